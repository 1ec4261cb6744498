package events

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
)

var _ = Describe("producer", Ordered, func() {
	Context("write", func() {
		It("writes successfully", func() {
			w := newTestWriter()
			ep := NewEventProducer(w)

			msg := []byte("msg1")
			err := ep.Write(context.TODO(), JobMessageKind, bytes.NewReader(msg))
			Expect(err).To(BeNil())

			msg = []byte("msg2")
			err = ep.Write(context.TODO(), JobMessageKind, bytes.NewReader(msg))
			Expect(err).To(BeNil())

			Eventually(w.Count).WithTimeout(1 * time.Second).Should(Equal(2))
			Expect(w.Get(0).Type()).To(Equal(JobMessageKind))

			ep.Close()
		})

		It("writes to a configured output topic", func() {
			w := newTestWriter()
			ep := NewEventProducer(w, WithOutputTopic("custom.topic"))

			err := ep.Write(context.TODO(), JobMessageKind, bytes.NewReader([]byte("msg")))
			Expect(err).To(BeNil())

			Eventually(w.Count).WithTimeout(1 * time.Second).Should(Equal(1))
			Expect(w.Topic(0)).To(Equal("custom.topic"))

			ep.Close()
		})

		It("delivers a job changed event as cloudevents payload", func() {
			w := newTestWriter()
			ep := NewEventProducer(w)

			err := ep.PublishJobChanged(context.TODO(), JobChangedEvent{
				Job:    api.Job{ID: "job-1", Status: api.JobStatusRunning},
				Action: JobActionUpdated,
			})
			Expect(err).To(BeNil())

			Eventually(w.Count).WithTimeout(1 * time.Second).Should(Equal(1))

			var event JobChangedEvent
			Expect(json.Unmarshal(w.Get(0).Data(), &event)).To(Succeed())
			Expect(event.Job.ID).To(Equal("job-1"))
			Expect(event.Action).To(Equal(JobActionUpdated))

			ep.Close()
		})

		It("does not block a write racing with close", func() {
			w := newTestWriter()
			ep := NewEventProducer(w)
			ep.Close()

			returned := make(chan error, 1)
			go func() {
				returned <- ep.Write(context.TODO(), JobMessageKind, bytes.NewReader([]byte("late")))
			}()
			Eventually(returned).WithTimeout(1 * time.Second).Should(Receive(BeNil()))
		})
	})
})

type testwriter struct {
	lock     sync.Mutex
	messages []cloudevents.Event
	topics   []string
}

func newTestWriter() *testwriter {
	return &testwriter{messages: []cloudevents.Event{}}
}

func (t *testwriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.messages = append(t.messages, e)
	t.topics = append(t.topics, topic)
	return nil
}

func (t *testwriter) Close(_ context.Context) error {
	return nil
}

func (t *testwriter) Count() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.messages)
}

func (t *testwriter) Get(i int) cloudevents.Event {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.messages[i]
}

func (t *testwriter) Topic(i int) string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.topics[i]
}
