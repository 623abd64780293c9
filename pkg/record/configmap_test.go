// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	clocktesting "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
	"github.com/telekom/openapi-discovery-operator/pkg/helpers"
)

var recordKey = types.NamespacedName{Namespace: "platform", Name: "openapi-discovery"}

func orders() apidoc.Descriptor {
	return apidoc.Descriptor{
		Name:        "Orders API",
		DisplayName: "Orders API",
		SpecPath:    "/swagger/openapi.yml",
		BaseAddress: "http://orders.shop.svc.cluster.local:8080",
	}
}

func billing() apidoc.Descriptor {
	return apidoc.Descriptor{
		Name:        "team-billing",
		DisplayName: "billing API",
		SpecPath:    "/v3/api-docs",
		BaseAddress: "http://billing.team.svc.cluster.local:80",
	}
}

var _ = Describe("ConfigMapStore", func() {
	var (
		ctx   context.Context
		store *ConfigMapStore
		c     client.WithWatch
	)

	BeforeEach(func() {
		ctx = context.Background()
		c = fake.NewClientBuilder().Build()
		store = NewConfigMapStore(c, recordKey).WithClock(clocktesting.NewFakePassiveClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	})

	It("reads a missing record as empty without version", func() {
		set, version, err := store.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(set).To(BeEmpty())
		Expect(version).To(Equal(NoVersion))
	})

	It("creates the record when no version is expected", func() {
		version, err := store.Write(ctx, apidoc.NewSet(orders()), NoVersion)
		Expect(err).NotTo(HaveOccurred())
		Expect(version).NotTo(Equal(NoVersion))

		cm := &corev1.ConfigMap{}
		Expect(c.Get(ctx, recordKey, cm)).To(Succeed())
		Expect(cm.Labels).To(HaveKeyWithValue(helpers.AppNameLabel, helpers.RecordAppName))
		Expect(cm.Labels).To(HaveKeyWithValue(helpers.ComponentLabel, helpers.RecordComponent))
		Expect(cm.Labels).To(HaveKeyWithValue(helpers.ManagedByLabelStandard, helpers.ManagedByValue))
		Expect(cm.Data[apidoc.RecordKey]).To(ContainSubstring(`"name": "Orders API"`))
		Expect(cm.Data[apidoc.RecordKey]).To(ContainSubstring(`"lastUpdated": "2026-03-01T12:00:00Z"`))

		set, readVersion, err := store.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(readVersion).To(Equal(version))
		Expect(set.Equals(apidoc.NewSet(orders()))).To(BeTrue())
	})

	It("reports a conflict when creating a record that already exists", func() {
		_, err := store.Write(ctx, apidoc.NewSet(orders()), NoVersion)
		Expect(err).NotTo(HaveOccurred())

		_, err = store.Write(ctx, apidoc.NewSet(billing()), NoVersion)
		Expect(errors.Is(err, ErrConflict)).To(BeTrue())
	})

	It("updates with the expected version and rejects stale versions", func() {
		v1, err := store.Write(ctx, apidoc.NewSet(orders()), NoVersion)
		Expect(err).NotTo(HaveOccurred())

		v2, err := store.Write(ctx, apidoc.NewSet(orders(), billing()), v1)
		Expect(err).NotTo(HaveOccurred())
		Expect(v2).NotTo(Equal(v1))

		_, err = store.Write(ctx, apidoc.NewSet(billing()), v1)
		Expect(errors.Is(err, ErrConflict)).To(BeTrue())

		set, version, err := store.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(v2))
		Expect(set.Names()).To(Equal([]string{"Orders API", "team-billing"}))
	})

	It("keeps foreign labels and data keys on update", func() {
		Expect(c.Create(ctx, &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name: recordKey.Name, Namespace: recordKey.Namespace,
				Labels: map[string]string{"team": "platform"},
			},
			Data: map[string]string{"README": "managed"},
		})).To(Succeed())

		_, version, err := store.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(version).NotTo(Equal(NoVersion))

		_, err = store.Write(ctx, apidoc.NewSet(orders()), version)
		Expect(err).NotTo(HaveOccurred())

		cm := &corev1.ConfigMap{}
		Expect(c.Get(ctx, recordKey, cm)).To(Succeed())
		Expect(cm.Labels).To(HaveKeyWithValue("team", "platform"))
		Expect(cm.Data).To(HaveKeyWithValue("README", "managed"))
		Expect(cm.Data).To(HaveKey(apidoc.RecordKey))
	})

	It("reads a malformed record as empty with its version", func() {
		Expect(c.Create(ctx, &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: recordKey.Name, Namespace: recordKey.Namespace},
			Data:       map[string]string{apidoc.RecordKey: "{broken"},
		})).To(Succeed())

		set, version, err := store.Read(ctx)
		Expect(errors.Is(err, ErrMalformed)).To(BeTrue())
		Expect(set).To(BeEmpty())
		Expect(version).NotTo(Equal(NoVersion))

		_, err = store.Write(ctx, apidoc.NewSet(orders()), version)
		Expect(err).NotTo(HaveOccurred())
	})

	It("maps an update conflict from the API server to ErrConflict", func() {
		v1, err := store.Write(ctx, apidoc.NewSet(orders()), NoVersion)
		Expect(err).NotTo(HaveOccurred())

		conflicting := fake.NewClientBuilder().WithInterceptorFuncs(interceptor.Funcs{
			Get: func(ctx context.Context, _ client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
				return c.Get(ctx, key, obj, opts...)
			},
			Update: func(_ context.Context, _ client.WithWatch, obj client.Object, _ ...client.UpdateOption) error {
				return apierrors.NewConflict(schema.GroupResource{Resource: "configmaps"}, obj.GetName(), errors.New("object was modified"))
			},
		}).Build()

		_, err = NewConfigMapStore(conflicting, recordKey).Write(ctx, apidoc.NewSet(billing()), v1)
		Expect(errors.Is(err, ErrConflict)).To(BeTrue())
	})

	It("returns read errors other than not found", func() {
		failing := fake.NewClientBuilder().WithInterceptorFuncs(interceptor.Funcs{
			Get: func(_ context.Context, _ client.WithWatch, _ client.ObjectKey, _ client.Object, _ ...client.GetOption) error {
				return apierrors.NewServiceUnavailable("etcd is down")
			},
		}).Build()

		_, _, err := NewConfigMapStore(failing, recordKey).Read(ctx)
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, ErrConflict)).To(BeFalse())
	})
})

var _ = Describe("FileReader", func() {
	It("reads a missing file as empty", func() {
		set, version, err := NewFileReader(filepath.Join(GinkgoT().TempDir(), "missing.json")).Read(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(set).To(BeEmpty())
		Expect(version).To(Equal(NoVersion))
	})

	It("derives the version from the file content", func() {
		path := filepath.Join(GinkgoT().TempDir(), apidoc.RecordKey)
		data, err := apidoc.EncodeRecord(apidoc.NewSet(orders()), time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(os.WriteFile(path, data, 0o600)).To(Succeed())

		reader := NewFileReader(path)
		set, v1, err := reader.Read(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(set.Names()).To(Equal([]string{"Orders API"}))

		data, err = apidoc.EncodeRecord(apidoc.NewSet(orders(), billing()), time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(os.WriteFile(path, data, 0o600)).To(Succeed())

		_, v2, err := reader.Read(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(v2).NotTo(Equal(v1))
	})

	It("fails on a malformed file", func() {
		path := filepath.Join(GinkgoT().TempDir(), apidoc.RecordKey)
		Expect(os.WriteFile(path, []byte("{nope"), 0o600)).To(Succeed())
		_, _, err := NewFileReader(path).Read(context.Background())
		Expect(errors.Is(err, ErrMalformed)).To(BeTrue())
	})
})
