package handlers_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
	"github.com/testfleet/orchestrator/internal/broadcaster"
	"github.com/testfleet/orchestrator/internal/config"
	"github.com/testfleet/orchestrator/internal/dispatcher"
	"github.com/testfleet/orchestrator/internal/events"
	"github.com/testfleet/orchestrator/internal/handlers"
	"github.com/testfleet/orchestrator/internal/registry"
	"github.com/testfleet/orchestrator/internal/service"
	"github.com/testfleet/orchestrator/internal/store"
)

func TestHandlers(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Handlers Suite")
}

type fakeExecutor struct {
	fn func(ctx context.Context, tag string) (*api.JobResult, error)
}

func (e *fakeExecutor) Execute(ctx context.Context, tag string) (*api.JobResult, error) {
	if e.fn == nil {
		return &api.JobResult{Status: "Execution Successful", RunID: "run-1"}, nil
	}
	return e.fn(ctx, tag)
}

var _ = Describe("job handlers", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
		reg    *registry.Registry
		bc     *broadcaster.Broadcaster
		router chi.Router
		exec   *fakeExecutor
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db

		Expect(s.InitialMigration()).To(Succeed())
	})

	AfterAll(func() {
		s.Close()
	})

	BeforeEach(func() {
		reg = registry.New()
		bc = broadcaster.New(reg, 5*time.Minute, 16)
		exec = &fakeExecutor{}

		d := dispatcher.New(s, reg, nil, exec, 0, 24*time.Hour)
		svc := service.NewJobService(s, reg, d)

		router = chi.NewRouter()
		handlers.NewServiceHandler(svc, bc, 5*time.Minute).RegisterRoutes(router)
	})

	AfterEach(func() {
		_ = bc.Close(context.TODO())
		gormdb.Exec("DELETE FROM jobs;")
	})

	doJSON := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	waitForStatus := func(jobID string, status api.JobStatus) {
		Eventually(func() string {
			rec := doJSON(http.MethodGet, "/api/v1/jobs/"+jobID, nil)
			var job api.Job
			Expect(json.Unmarshal(rec.Body.Bytes(), &job)).To(Succeed())
			return string(job.Status)
		}).Should(Equal(string(status)))
	}

	Context("async run", func() {
		It("accepts a run and reports the job as pending", func() {
			rec := doJSON(http.MethodPost, "/api/v1/tests/async-run", api.StartJobRequest{Tag: "@smoke", CreatedBy: "tester"})
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			var resp struct {
				JobID  string `json:"jobId"`
				Status string `json:"status"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.JobID).ToNot(BeEmpty())
			Expect(resp.Status).To(Equal("pending"))

			waitForStatus(resp.JobID, api.JobStatusCompleted)
		})

		It("rejects a run without a tag", func() {
			rec := doJSON(http.MethodPost, "/api/v1/tests/async-run", api.StartJobRequest{CreatedBy: "tester"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects a rerun without a run id", func() {
			rec := doJSON(http.MethodPost, "/api/v1/tests/async-rerun", api.StartJobRequest{CreatedBy: "tester"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("sync run", func() {
		It("returns the result inline", func() {
			rec := doJSON(http.MethodPost, "/api/v1/tests/sync-run", api.StartJobRequest{Tag: "@regression", CreatedBy: "tester"})
			Expect(rec.Code).To(Equal(http.StatusOK))

			var resp struct {
				JobID  string         `json:"jobId"`
				Result *api.JobResult `json:"result"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.JobID).ToNot(BeEmpty())
			Expect(resp.Result.Status).To(Equal("Execution Successful"))
		})

		It("accepts run parameters as query values", func() {
			rec := doJSON(http.MethodPost, "/api/v1/tests/sync-run?tags=@smoke&createdBy=tester", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	})

	Context("job queries", func() {
		It("returns 404 for an unknown job", func() {
			rec := doJSON(http.MethodGet, "/api/v1/jobs/no-such-job", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 409 for the result of an active job", func() {
			release := make(chan struct{})
			defer close(release)
			exec.fn = func(ctx context.Context, tag string) (*api.JobResult, error) {
				<-release
				return &api.JobResult{Status: "Execution Successful", RunID: "run-1"}, nil
			}

			rec := doJSON(http.MethodPost, "/api/v1/tests/async-run", api.StartJobRequest{Tag: "@smoke", CreatedBy: "tester"})
			var resp struct {
				JobID string `json:"jobId"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())

			result := doJSON(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/result", resp.JobID), nil)
			Expect(result.Code).To(Equal(http.StatusConflict))
		})

		It("lists jobs by tag", func() {
			rec := doJSON(http.MethodPost, "/api/v1/tests/async-run", api.StartJobRequest{Tag: "@smoke", CreatedBy: "tester"})
			var resp struct {
				JobID string `json:"jobId"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			waitForStatus(resp.JobID, api.JobStatusCompleted)

			list := doJSON(http.MethodGet, "/api/v1/jobs/by-tag/@smoke", nil)
			Expect(list.Code).To(Equal(http.StatusOK))

			var jobs api.JobList
			Expect(json.Unmarshal(list.Body.Bytes(), &jobs)).To(Succeed())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].ID).To(Equal(resp.JobID))
		})

		It("summarises active jobs", func() {
			release := make(chan struct{})
			defer close(release)
			exec.fn = func(ctx context.Context, tag string) (*api.JobResult, error) {
				<-release
				return &api.JobResult{Status: "Execution Successful", RunID: "run-1"}, nil
			}

			doJSON(http.MethodPost, "/api/v1/tests/async-run", api.StartJobRequest{Tag: "@smoke", CreatedBy: "tester"})

			rec := doJSON(http.MethodGet, "/api/v1/jobs/status", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var summary api.JobStatusSummary
			Expect(json.Unmarshal(rec.Body.Bytes(), &summary)).To(Succeed())
			Expect(summary.TotalActiveJobs).To(Equal(1))
			Expect(summary.ActiveJobs).To(HaveLen(1))
		})
	})

	Context("cancel", func() {
		It("cancels a running job", func() {
			started := make(chan struct{})
			exec.fn = func(ctx context.Context, tag string) (*api.JobResult, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}

			rec := doJSON(http.MethodPost, "/api/v1/tests/async-run", api.StartJobRequest{Tag: "@smoke", CreatedBy: "tester"})
			var resp struct {
				JobID string `json:"jobId"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Eventually(started).Should(BeClosed())

			cancelRec := doJSON(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", resp.JobID), nil)
			Expect(cancelRec.Code).To(Equal(http.StatusOK))
			waitForStatus(resp.JobID, api.JobStatusCancelled)
		})

		It("returns 404 for an unknown job and 409 for a finished one", func() {
			rec := doJSON(http.MethodPost, "/api/v1/jobs/no-such-job/cancel", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			runRec := doJSON(http.MethodPost, "/api/v1/tests/async-run", api.StartJobRequest{Tag: "@smoke", CreatedBy: "tester"})
			var resp struct {
				JobID string `json:"jobId"`
			}
			Expect(json.Unmarshal(runRec.Body.Bytes(), &resp)).To(Succeed())
			waitForStatus(resp.JobID, api.JobStatusCompleted)

			cancelRec := doJSON(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", resp.JobID), nil)
			Expect(cancelRec.Code).To(Equal(http.StatusConflict))
		})
	})

	Context("update stream", func() {
		It("pushes a summary snapshot followed by broadcast events", func() {
			srv := httptest.NewServer(router)
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/api/v1/jobs/updates")
			Expect(err).To(BeNil())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

			reader := bufio.NewReader(resp.Body)
			readEvent := func() (name, data string) {
				for {
					line, err := reader.ReadString('\n')
					Expect(err).To(BeNil())
					line = strings.TrimRight(line, "\n")
					switch {
					case strings.HasPrefix(line, "event: "):
						name = strings.TrimPrefix(line, "event: ")
					case strings.HasPrefix(line, "data: "):
						data = strings.TrimPrefix(line, "data: ")
					case line == "" && data != "":
						return name, data
					}
				}
			}

			name, data := readEvent()
			Expect(name).To(Equal("job-status-update"))
			var snapshot api.SummaryEvent
			Expect(json.Unmarshal([]byte(data), &snapshot)).To(Succeed())
			Expect(snapshot.Type).To(Equal(api.StreamEventSummary))

			payload, err := json.Marshal(events.JobChangedEvent{
				Job:    api.Job{ID: "job-1", Status: api.JobStatusRunning},
				Action: events.JobActionUpdated,
			})
			Expect(err).To(BeNil())

			e := cloudevents.NewEvent()
			e.SetID("test")
			e.SetSource("test")
			e.SetType(events.JobMessageKind)
			Expect(e.SetData(*cloudevents.StringOfApplicationJSON(), payload)).To(Succeed())
			Expect(bc.Write(context.TODO(), "topic", e)).To(Succeed())

			name, data = readEvent()
			Expect(name).To(Equal("job-status-update"))
			var delta api.JobDelta
			Expect(json.Unmarshal([]byte(data), &delta)).To(Succeed())
			Expect(delta.Type).To(Equal(api.StreamEventDelta))
			Expect(delta.JobID).To(Equal("job-1"))
			Expect(delta.Status).To(Equal(api.JobStatusRunning))
		})
	})
})
