package events

import (
	"context"
	"errors"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type failingwriter struct{}

func (f *failingwriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	return errors.New("write failed")
}

func (f *failingwriter) Close(_ context.Context) error {
	return nil
}

var _ = Describe("multi writer", func() {
	It("fans an event out to every writer", func() {
		first := newTestWriter()
		second := newTestWriter()
		mw := NewMultiWriter(first, second)

		e := cloudevents.NewEvent()
		e.SetID("test")
		e.SetSource("test")
		e.SetType(JobMessageKind)

		Expect(mw.Write(context.TODO(), "topic", e)).To(Succeed())
		Expect(first.Count()).To(Equal(1))
		Expect(second.Count()).To(Equal(1))
	})

	It("still delivers to healthy writers when one fails", func() {
		healthy := newTestWriter()
		mw := NewMultiWriter(&failingwriter{}, healthy)

		e := cloudevents.NewEvent()
		e.SetID("test")
		e.SetSource("test")
		e.SetType(JobMessageKind)

		Expect(mw.Write(context.TODO(), "topic", e)).To(HaveOccurred())
		Expect(healthy.Count()).To(Equal(1))
	})
})
