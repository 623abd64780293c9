// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

var _ = Describe("ServiceSource", func() {
	var c client.WithWatch

	service := func(namespace, name string) *corev1.Service {
		return &corev1.Service{ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name}}
	}

	BeforeEach(func() {
		c = fake.NewClientBuilder().
			WithObjects(service("shop", "orders"), service("shop", "billing"), service("team", "stock")).
			Build()
	})

	It("lists the services of its namespace", func() {
		items, _, err := NewServiceSource(c, "shop").List(context.Background())
		Expect(err).NotTo(HaveOccurred())

		names := []string{}
		for _, svc := range items {
			names = append(names, svc.Namespace+"/"+svc.Name)
		}
		Expect(names).To(ConsistOf("shop/orders", "shop/billing"))
	})

	It("lists the whole cluster for an empty namespace", func() {
		items, _, err := NewServiceSource(c, metav1.NamespaceAll).List(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(3))
	})

	It("streams changes through a watch", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		src := NewServiceSource(c, "shop")
		_, version, err := src.List(ctx)
		Expect(err).NotTo(HaveOccurred())

		w, err := src.Watch(ctx, version)
		Expect(err).NotTo(HaveOccurred())
		defer w.Stop()

		Expect(c.Create(ctx, service("shop", "payments"))).To(Succeed())

		var ev watch.Event
		Eventually(w.ResultChan(), 5*time.Second).Should(Receive(&ev))
		Expect(ev.Type).To(Equal(watch.Added))
		Expect(ev.Object).To(BeAssignableToTypeOf(&corev1.Service{}))
		Expect(ev.Object.(*corev1.Service).Name).To(Equal("payments"))
	})

	It("creates one source per namespace of the scope", func() {
		Expect(SourcesForScope(c, Scope{Mode: ScopeCluster})).To(HaveLen(1))
		Expect(SourcesForScope(c, Scope{Mode: ScopeNamespace, Namespaces: []string{"shop"}})).To(HaveLen(1))
		Expect(SourcesForScope(c, Scope{Mode: ScopeNamespaces, Namespaces: []string{"shop", "team"}})).To(HaveLen(2))
	})

	It("describes its namespace", func() {
		Expect(NewServiceSource(c, "shop").String()).To(Equal("namespace shop"))
		Expect(NewServiceSource(c, "").String()).To(Equal("all namespaces"))
	})
})
