// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
)

// racingStore lets another writer win the first n writes.
type racingStore struct {
	Store
	losses int
	writes int
}

func (r *racingStore) Write(ctx context.Context, set apidoc.Set, expected Version) (Version, error) {
	r.writes++
	if r.losses > 0 {
		r.losses--
		// Another reconciler commits in between our read and our write.
		if _, err := r.Store.Write(ctx, apidoc.NewSet(billing()), expected); err != nil {
			return NoVersion, err
		}
	}
	return r.Store.Write(ctx, set, expected)
}

func fastBackoff(attempts int) wait.Backoff {
	b := NewCommitBackoff(attempts)
	b.Duration = time.Millisecond
	return b
}

var _ = Describe("Commit", func() {
	var (
		ctx   context.Context
		store *ConfigMapStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = NewConfigMapStore(fake.NewClientBuilder().Build(), recordKey)
	})

	It("creates the record on first commit, even for an empty set", func() {
		result, err := Commit(ctx, store, apidoc.Set{}, fastBackoff(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Written).To(BeTrue())
		Expect(result.Version).NotTo(Equal(NoVersion))
	})

	It("does not write when the stored content already matches", func() {
		first, err := Commit(ctx, store, apidoc.NewSet(orders()), fastBackoff(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Written).To(BeTrue())

		second, err := Commit(ctx, store, apidoc.NewSet(orders()), fastBackoff(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Written).To(BeFalse())
		Expect(second.Version).To(Equal(first.Version))
	})

	It("replaces a malformed record even when the desired set is empty", func() {
		c := fake.NewClientBuilder().WithObjects(&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: recordKey.Name, Namespace: recordKey.Namespace},
			Data:       map[string]string{apidoc.RecordKey: "{not json"},
		}).Build()
		store = NewConfigMapStore(c, recordKey)

		result, err := Commit(ctx, store, apidoc.Set{}, fastBackoff(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Written).To(BeTrue())

		set, version, err := store.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(set).To(BeEmpty())
		Expect(version).To(Equal(result.Version))
	})

	It("retries after losing a race and keeps the desired content", func() {
		_, err := Commit(ctx, store, apidoc.NewSet(orders()), fastBackoff(3))
		Expect(err).NotTo(HaveOccurred())

		racing := &racingStore{Store: store, losses: 1}
		desired := apidoc.NewSet(orders(), billing())
		desired["Orders API"] = apidoc.Descriptor{Name: "Orders API", DisplayName: "Orders v2", SpecPath: "/v2", BaseAddress: "http://o"}

		result, err := Commit(ctx, racing, desired, fastBackoff(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Written).To(BeTrue())
		Expect(result.Attempts).To(Equal(2))

		got, version, err := store.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(result.Version))
		Expect(got.Equals(desired)).To(BeTrue(), got.Diff(desired))
	})

	It("gives up with ErrConflict once the attempts are exhausted", func() {
		_, err := Commit(ctx, store, apidoc.NewSet(orders()), fastBackoff(3))
		Expect(err).NotTo(HaveOccurred())

		racing := &racingStore{Store: store, losses: 10}
		result, err := Commit(ctx, racing, apidoc.NewSet(orders(), billing()), fastBackoff(3))
		Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		Expect(result.Attempts).To(Equal(3))
		Expect(racing.writes).To(Equal(3))
	})

	It("does not retry other errors", func() {
		failing := &failingStore{err: errors.New("boom")}
		result, err := Commit(ctx, failing, apidoc.NewSet(orders()), fastBackoff(5))
		Expect(err).To(MatchError("boom"))
		Expect(result.Attempts).To(Equal(1))
	})
})

type failingStore struct {
	err error
}

func (f *failingStore) Read(context.Context) (apidoc.Set, Version, error) {
	return nil, NoVersion, f.err
}

func (f *failingStore) Write(context.Context, apidoc.Set, Version) (Version, error) {
	return NoVersion, f.err
}
