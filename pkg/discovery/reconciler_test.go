// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
	"github.com/telekom/openapi-discovery-operator/pkg/record"
)

const debounce = 200 * time.Millisecond

// fakeSource serves a mutable list of Services and hands out fake watches.
type fakeSource struct {
	mutex    sync.Mutex
	services map[types.NamespacedName]*corev1.Service
	watcher  *watch.FakeWatcher
	lists    int
	watches  int
}

func newFakeSource(services ...*corev1.Service) *fakeSource {
	f := &fakeSource{services: map[types.NamespacedName]*corev1.Service{}}
	for _, svc := range services {
		f.services[keyOf(svc)] = svc
	}
	return f
}

func keyOf(svc *corev1.Service) types.NamespacedName {
	return types.NamespacedName{Namespace: svc.Namespace, Name: svc.Name}
}

func (f *fakeSource) List(_ context.Context) ([]corev1.Service, string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.lists++
	keys := make([]types.NamespacedName, 0, len(f.services))
	for k := range f.services {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	items := make([]corev1.Service, 0, len(keys))
	for _, k := range keys {
		items = append(items, *f.services[k].DeepCopy())
	}
	return items, fmt.Sprint(f.lists), nil
}

func (f *fakeSource) Watch(_ context.Context, _ string) (watch.Interface, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.watches++
	f.watcher = watch.NewFakeWithChanSize(64, false)
	return f.watcher, nil
}

func (f *fakeSource) counts() (lists, watches int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.lists, f.watches
}

func (f *fakeSource) add(svc *corev1.Service) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.services[keyOf(svc)] = svc
	f.watcher.Add(svc.DeepCopy())
}

func (f *fakeSource) modify(svc *corev1.Service) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.services[keyOf(svc)] = svc
	f.watcher.Modify(svc.DeepCopy())
}

func (f *fakeSource) remove(svc *corev1.Service) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.services, keyOf(svc))
	f.watcher.Delete(svc.DeepCopy())
}

// replaceQuietly changes the listed state without emitting events, like
// changes that happen while the watch is down.
func (f *fakeSource) replaceQuietly(services ...*corev1.Service) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.services = map[types.NamespacedName]*corev1.Service{}
	for _, svc := range services {
		f.services[keyOf(svc)] = svc
	}
}

func (f *fakeSource) breakWatch() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.watcher.Stop()
}

func (f *fakeSource) failWatch() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.watcher.Error(&metav1.Status{
		Status: metav1.StatusFailure,
		Code:   http.StatusGone,
		Reason: metav1.StatusReasonExpired,
	})
}

// countingStore counts record writes.
type countingStore struct {
	record.Store
	writes atomic.Int32
}

func (c *countingStore) Write(ctx context.Context, set apidoc.Set, expected record.Version) (record.Version, error) {
	c.writes.Add(1)
	return c.Store.Write(ctx, set, expected)
}

// flakyStore reports a conflict for the first failures writes.
type flakyStore struct {
	record.Store
	failures atomic.Int32
}

func (f *flakyStore) Write(ctx context.Context, set apidoc.Set, expected record.Version) (record.Version, error) {
	if f.failures.Add(-1) >= 0 {
		return record.NoVersion, fmt.Errorf("%w: injected", record.ErrConflict)
	}
	return f.Store.Write(ctx, set, expected)
}

func documented(namespace, name string, extra map[string]string) *corev1.Service {
	annotations := map[string]string{apidoc.EnabledAnnotation: "true"}
	for k, v := range extra {
		annotations[k] = v
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name, Annotations: annotations},
		Spec:       corev1.ServiceSpec{Ports: []corev1.ServicePort{{Port: 8080}}},
	}
}

func undocumented(namespace, name string) *corev1.Service {
	return &corev1.Service{ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name}}
}

func testOptions() Options {
	return Options{
		Debounce:       debounce,
		CommitBackoff:  wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 3},
		WatchBackoff:   wait.Backoff{Duration: 10 * time.Millisecond, Factor: 1, Steps: 1000},
		ResyncInterval: -1,
	}
}

var _ = Describe("Reconciler", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		backing record.Store
		store   *countingStore
		source  *fakeSource
		rec     *Reconciler
		done    chan error
	)

	recordKey := types.NamespacedName{Namespace: "platform", Name: "openapi-discovery"}

	start := func(opts Options) {
		rec = NewReconciler([]Source{source}, store, opts)
		done = make(chan error, 1)
		go func() { done <- rec.Start(ctx) }()
		Eventually(rec.Phase).Should(Equal(PhaseStreaming))
	}

	stop := func() {
		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	}

	recorded := func() apidoc.Set {
		set, _, err := backing.Read(context.Background())
		Expect(err).NotTo(HaveOccurred())
		return set
	}

	names := func() []string {
		return recorded().Names()
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		backing = record.NewConfigMapStore(fake.NewClientBuilder().Build(), recordKey)
		store = &countingStore{Store: backing}
	})

	AfterEach(func() {
		if rec != nil && rec.Phase() != PhaseStopped {
			stop()
		}
		rec = nil
	})

	It("commits the documented services found at startup", func() {
		source = newFakeSource(
			documented("shop", "orders", map[string]string{apidoc.NameAnnotation: "Orders API"}),
			documented("shop", "billing", nil),
			undocumented("shop", "internal"),
		)
		start(testOptions())

		Eventually(names).Should(Equal([]string{"Orders API", "shop-billing"}))
		Expect(store.writes.Load()).To(BeEquivalentTo(1))

		orders := recorded()["Orders API"]
		Expect(orders.DisplayName).To(Equal("Orders API"))
		Expect(orders.BaseAddress).To(Equal("http://orders.shop.svc.cluster.local:8080"))
		Expect(orders.SpecPath).To(Equal(apidoc.DefaultSpecPath))
	})

	It("creates an empty record when nothing is documented", func() {
		source = newFakeSource(undocumented("shop", "internal"))
		start(testOptions())

		Eventually(store.writes.Load).Should(BeEquivalentTo(1))
		_, version, err := backing.Read(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(version).NotTo(Equal(record.NoVersion))
		Expect(recorded()).To(BeEmpty())
	})

	It("replaces a malformed record at startup", func() {
		c := fake.NewClientBuilder().WithObjects(&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: recordKey.Name, Namespace: recordKey.Namespace},
			Data:       map[string]string{apidoc.RecordKey: "{not json"},
		}).Build()
		backing = record.NewConfigMapStore(c, recordKey)
		store = &countingStore{Store: backing}
		source = newFakeSource(undocumented("shop", "internal"))
		start(testOptions())

		Eventually(func() error {
			_, _, err := backing.Read(context.Background())
			return err
		}).Should(Succeed())
		Expect(store.writes.Load()).To(BeEquivalentTo(1))
		Expect(recorded()).To(BeEmpty())
	})

	It("follows added, modified and deleted services", func() {
		source = newFakeSource()
		start(testOptions())
		Eventually(store.writes.Load).Should(BeEquivalentTo(1))

		By("adding a documented service")
		payments := documented("shop", "payments", nil)
		source.add(payments)
		Eventually(names).Should(Equal([]string{"shop-payments"}))

		By("changing its description")
		changed := documented("shop", "payments", map[string]string{apidoc.DescriptionAnnotation: "Payments"})
		source.modify(changed)
		Eventually(func() string { return recorded()["shop-payments"].Description }).Should(Equal("Payments"))

		By("removing the documentation marker")
		source.modify(undocumented("shop", "payments"))
		Eventually(names).Should(BeEmpty())

		By("deleting a documented service")
		stock := documented("shop", "stock", nil)
		source.add(stock)
		Eventually(names).Should(Equal([]string{"shop-stock"}))
		source.remove(stock)
		Eventually(names).Should(BeEmpty())
	})

	It("coalesces a burst of changes into a single write", func() {
		source = newFakeSource()
		start(testOptions())
		Eventually(store.writes.Load).Should(BeEquivalentTo(1))

		for i := 0; i < 5; i++ {
			source.add(documented("shop", fmt.Sprintf("svc-%d", i), nil))
		}

		Eventually(func() int { return len(names()) }).Should(Equal(5))
		Consistently(store.writes.Load, 3*debounce, 20*time.Millisecond).Should(BeEquivalentTo(2))
	})

	It("does not write when changes leave the record untouched", func() {
		orders := documented("shop", "orders", nil)
		source = newFakeSource(orders, undocumented("shop", "internal"))
		start(testOptions())
		Eventually(store.writes.Load).Should(BeEquivalentTo(1))

		relabeled := orders.DeepCopy()
		relabeled.Labels = map[string]string{"version": "2"}
		source.modify(relabeled)

		internal := undocumented("shop", "internal")
		internal.Labels = map[string]string{"tier": "backend"}
		source.modify(internal)
		source.add(undocumented("shop", "cache"))

		Consistently(store.writes.Load, 3*debounce, 20*time.Millisecond).Should(BeEquivalentTo(1))
	})

	It("does not write after a restart when the cluster is unchanged", func() {
		source = newFakeSource(documented("shop", "orders", nil), documented("shop", "billing", nil))
		start(testOptions())
		Eventually(store.writes.Load).Should(BeEquivalentTo(1))
		stop()

		ctx, cancel = context.WithCancel(context.Background())
		store = &countingStore{Store: backing}
		start(testOptions())

		Consistently(store.writes.Load, 3*debounce, 20*time.Millisecond).Should(BeEquivalentTo(0))
		Expect(names()).To(Equal([]string{"shop-billing", "shop-orders"}))
	})

	It("replaces its state with a full resynchronization after the watch breaks", func() {
		orders := documented("shop", "orders", nil)
		source = newFakeSource(orders, documented("shop", "billing", nil))
		start(testOptions())
		Eventually(names).Should(Equal([]string{"shop-billing", "shop-orders"}))

		// billing disappears and payments appears while no events are delivered
		source.replaceQuietly(orders, documented("shop", "payments", nil))
		source.breakWatch()

		Eventually(func() int { lists, _ := source.counts(); return lists }).Should(BeNumerically(">=", 2))
		Eventually(rec.Phase).Should(Equal(PhaseStreaming))
		Eventually(names).Should(Equal([]string{"shop-orders", "shop-payments"}))
	})

	It("resynchronizes after a watch error event", func() {
		source = newFakeSource(documented("shop", "orders", nil))
		start(testOptions())
		Eventually(names).Should(Equal([]string{"shop-orders"}))

		source.replaceQuietly()
		source.failWatch()

		Eventually(func() int { _, watches := source.counts(); return watches }).Should(BeNumerically(">=", 2))
		Eventually(names).Should(BeEmpty())
	})

	It("runs periodic full rescans", func() {
		source = newFakeSource(documented("shop", "orders", nil))
		opts := testOptions()
		opts.ResyncInterval = 100 * time.Millisecond
		start(opts)

		Eventually(func() int { lists, _ := source.counts(); return lists }).Should(BeNumerically(">=", 3))
		Expect(names()).To(Equal([]string{"shop-orders"}))
		Expect(store.writes.Load()).To(BeEquivalentTo(1))
	})

	It("lets the later observed service win a name collision", func() {
		shared := map[string]string{apidoc.NameAnnotation: "Shared"}
		first := documented("shop", "a", shared)
		source = newFakeSource(first)
		start(testOptions())
		Eventually(func() string { return recorded()["Shared"].BaseAddress }).
			Should(Equal("http://a.shop.svc.cluster.local:8080"))

		second := documented("team", "b", shared)
		source.add(second)
		Eventually(func() string { return recorded()["Shared"].BaseAddress }).
			Should(Equal("http://b.team.svc.cluster.local:8080"))
		Expect(names()).To(HaveLen(1))

		source.remove(second)
		Eventually(func() string { return recorded()["Shared"].BaseAddress }).
			Should(Equal("http://a.shop.svc.cluster.local:8080"))
	})

	It("keeps the collision winner across resynchronizations and restarts", func() {
		shared := map[string]string{apidoc.NameAnnotation: "Shared"}
		source = newFakeSource(documented("shop", "a", shared))
		start(testOptions())
		Eventually(store.writes.Load).Should(BeEquivalentTo(1))

		source.add(documented("alpha", "b", shared))
		Eventually(func() string { return recorded()["Shared"].BaseAddress }).
			Should(Equal("http://b.alpha.svc.cluster.local:8080"))
		Eventually(store.writes.Load).Should(BeEquivalentTo(2))

		By("breaking the watch without any cluster change")
		source.breakWatch()
		Eventually(func() int { _, watches := source.counts(); return watches }).Should(BeNumerically(">=", 2))
		Consistently(store.writes.Load, 3*debounce, 20*time.Millisecond).Should(BeEquivalentTo(2))
		Expect(recorded()["Shared"].BaseAddress).To(Equal("http://b.alpha.svc.cluster.local:8080"))

		By("restarting the reconciler")
		stop()
		ctx, cancel = context.WithCancel(context.Background())
		start(testOptions())
		Consistently(store.writes.Load, 3*debounce, 20*time.Millisecond).Should(BeEquivalentTo(2))
		Expect(recorded()["Shared"].BaseAddress).To(Equal("http://b.alpha.svc.cluster.local:8080"))
	})

	It("prefers the newer service in a collision found by a list", func() {
		shared := map[string]string{apidoc.NameAnnotation: "Shared"}
		older := documented("shop", "z", shared)
		older.CreationTimestamp = metav1.NewTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		newer := documented("alpha", "a", shared)
		newer.CreationTimestamp = metav1.NewTime(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
		source = newFakeSource(older, newer)
		start(testOptions())

		Eventually(func() string { return recorded()["Shared"].BaseAddress }).
			Should(Equal("http://a.alpha.svc.cluster.local:8080"))
	})

	It("retries on a later tick after exhausting commit attempts", func() {
		flaky := &flakyStore{Store: backing}
		flaky.failures.Store(4)
		store = &countingStore{Store: flaky}
		source = newFakeSource(documented("shop", "orders", nil))

		start(testOptions())

		Eventually(names, 5*time.Second).Should(Equal([]string{"shop-orders"}))
		Expect(store.writes.Load()).To(BeNumerically(">=", 5))
	})

	It("reports its phase through the readiness check", func() {
		source = newFakeSource()
		rec = NewReconciler([]Source{source}, store, testOptions())
		Expect(rec.Phase()).To(Equal(PhaseIdle))
		Expect(rec.ReadyCheck(nil)).To(Succeed())
		Expect(rec.NeedLeaderElection()).To(BeTrue())

		done = make(chan error, 1)
		go func() { done <- rec.Start(ctx) }()
		Eventually(rec.Phase).Should(Equal(PhaseStreaming))
		Expect(rec.ReadyCheck(nil)).To(Succeed())

		stop()
		Expect(rec.Phase()).To(Equal(PhaseStopped))
		Expect(rec.ReadyCheck(nil)).To(HaveOccurred())
	})

	It("refuses to start without sources", func() {
		rec = NewReconciler(nil, store, testOptions())
		Expect(rec.Start(ctx)).To(MatchError(ContainSubstring("no sources")))
		rec = nil
	})
})
