package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/config"
	"callscore/internal/store"
	"callscore/pkg/logger"

	"github.com/gin-gonic/gin"
)

type fakeStore struct {
	mu      sync.Mutex
	bySID   map[string]calls.Call
	creates int
	// hideSID makes lookups miss so a delivery reaches CreateCall.
	hideSID bool
}

func (s *fakeStore) GetCallBySID(_ context.Context, sid string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.bySID[sid]; ok && !s.hideSID {
		return c, nil
	}
	return calls.Call{}, store.ErrNotFound
}

func (s *fakeStore) CreateCall(_ context.Context, c calls.Call) (calls.Call, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.bySID == nil {
		s.bySID = map[string]calls.Call{}
	}
	if existing, ok := s.bySID[c.ExternalCallSID]; ok {
		return existing, false, nil
	}
	c.ID = "call-" + c.ExternalCallSID
	c.Status = calls.StatusReceived
	s.bySID[c.ExternalCallSID] = c
	return c, true, nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []string
}

func (j *fakeJobs) EnqueueDownload(_ context.Context, callID string) (string, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id := "download:" + callID
	for _, existing := range j.jobs {
		if existing == id {
			return id, false, nil
		}
	}
	j.jobs = append(j.jobs, id)
	return id, true, nil
}

type countObserver map[string]int

func (o countObserver) ObserveWebhook(vendor, outcome string) { o[vendor+"/"+outcome]++ }

func newRouter(store *fakeStore, jobs *fakeJobs, obs Observer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(logger.Middleware(logger.Discard()))
	h := WebhookHandler{
		Providers: NewRegistry(NewExotel(config.ExotelConfig{}), NewMock("")),
		Intake:    NewIntake(store, jobs, "org1", logger.Discard()),
		Observer:  obs,
	}
	r.POST("/webhook/:vendor", h.Handle)
	return r
}

type envelope struct {
	OK    bool   `json:"ok"`
	Data  Result `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func post(t *testing.T, r http.Handler, path, contentType, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return w.Code, env
}

const happyPayload = `{"call_sid":"s1","call_type":"completed","recording_url":"http://mock/1.wav",
	"from":"9","to":"8","direction":"incoming","on_call_duration":60}`

func TestParseEventCoercesDurations(t *testing.T) {
	at := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	ev, err := ParseEvent(map[string]any{
		"CallSid":          "s9",
		"CallType":         "Completed",
		"RecordingUrl":     " http://x/r.mp3 ",
		"DialCallDuration": "75",
		"Direction":        "outbound-dial",
		"custom":           "kept",
	}, at)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.ProviderCallID != "s9" || ev.CallType != "completed" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.DurationSeconds == nil || *ev.DurationSeconds != 75 {
		t.Fatalf("expected dial duration 75, got %v", ev.DurationSeconds)
	}
	if ev.Direction != calls.DirectionOutgoingDial {
		t.Fatalf("direction = %q", ev.Direction)
	}
	if ev.IgnoreReason() != "" {
		t.Fatalf("expected ingestible, got %q", ev.IgnoreReason())
	}

	c := ev.Call("org1")
	if c.RecordingURL != "http://x/r.mp3" || c.Metadata["custom"] != "kept" {
		t.Fatalf("unexpected call: %+v", c)
	}

	ev, err = ParseEvent(map[string]any{
		"call_sid":           "s10",
		"on_call_duration":   json.Number("42"),
		"dial_call_duration": 90,
	}, at)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.DurationSeconds == nil || *ev.DurationSeconds != 42 {
		t.Fatalf("on_call_duration wins, got %v", ev.DurationSeconds)
	}
}

func TestParseEventRequiresCallSID(t *testing.T) {
	_, err := ParseEvent(map[string]any{"call_type": "completed"}, time.Now())
	if !apperr.HasCode(err, apperr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWebhookProcessesAndDedupes(t *testing.T) {
	store, jobs, obs := &fakeStore{}, &fakeJobs{}, countObserver{}
	r := newRouter(store, jobs, obs)

	code, first := post(t, r, "/webhook/exotel", "application/json", happyPayload)
	if code != http.StatusOK || !first.OK || first.Data.Status != OutcomeProcessed {
		t.Fatalf("first: %d %+v", code, first)
	}
	if first.Data.CallID == "" || first.Data.JobID != "download:"+first.Data.CallID {
		t.Fatalf("first: %+v", first.Data)
	}

	code, second := post(t, r, "/webhook/exotel", "application/json", happyPayload)
	if code != http.StatusOK || second.Data.CallID != first.Data.CallID || !second.Data.Duplicate {
		t.Fatalf("second: %d %+v", code, second.Data)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected one download job, got %v", jobs.jobs)
	}
	c := store.bySID["s1"]
	if c.DurationSeconds == nil || *c.DurationSeconds != 60 || c.CallerNumber != "9" || c.OrgID != "org1" {
		t.Fatalf("unexpected stored call: %+v", c)
	}
	if obs["exotel/processed"] != 1 || obs["exotel/duplicate"] != 1 {
		t.Fatalf("observer: %v", obs)
	}
	if store.creates != 1 {
		t.Fatalf("duplicate found by sid must not insert, creates = %d", store.creates)
	}
}

func TestIngestDuplicateLostInsertRace(t *testing.T) {
	st, jobs := &fakeStore{}, &fakeJobs{}
	in := NewIntake(st, jobs, "org1", logger.Discard())
	ev := CompletionEvent{ProviderCallID: "race", RecordingURL: "http://rec/race.mp3", CallType: CallTypeCompleted}

	first, err := in.Ingest(context.Background(), ev)
	if err != nil || first.Duplicate {
		t.Fatalf("first: %+v %v", first, err)
	}
	st.hideSID = true
	second, err := in.Ingest(context.Background(), ev)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicate || second.CallID != first.CallID || second.JobID != "" {
		t.Fatalf("second: %+v", second)
	}
	if st.creates != 2 || len(jobs.jobs) != 1 {
		t.Fatalf("creates = %d, jobs = %v", st.creates, jobs.jobs)
	}
}

func TestWebhookIgnoredAndRejected(t *testing.T) {
	store, jobs := &fakeStore{}, &fakeJobs{}
	r := newRouter(store, jobs, nil)

	code, env := post(t, r, "/webhook/exotel", "application/json",
		`{"call_sid":"s2","call_type":"completed","recording_url":null}`)
	if code != http.StatusOK || env.Data.Status != OutcomeIgnored {
		t.Fatalf("ignored: %d %+v", code, env)
	}
	code, env = post(t, r, "/webhook/exotel", "application/json",
		`{"call_sid":"s3","call_type":"incomplete","recording_url":"http://mock/3.wav"}`)
	if code != http.StatusOK || env.Data.Status != OutcomeIgnored {
		t.Fatalf("incomplete: %d %+v", code, env)
	}
	if len(store.bySID) != 0 || len(jobs.jobs) != 0 {
		t.Fatalf("ignored events must not have side effects")
	}

	code, env = post(t, r, "/webhook/exotel", "application/json", `{"call_type":"completed"}`)
	if code != http.StatusBadRequest || env.OK || env.Error == nil || env.Error.Code != apperr.CodeValidation {
		t.Fatalf("missing sid: %d %+v", code, env)
	}
	if !strings.Contains(env.Error.Message, "call_sid") {
		t.Fatalf("message should name the field: %q", env.Error.Message)
	}

	code, _ = post(t, r, "/webhook/exotel", "application/json", `{not json`)
	if code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", code)
	}
	code, _ = post(t, r, "/webhook/unknown", "application/json", happyPayload)
	if code != http.StatusNotFound {
		t.Fatalf("unknown vendor: %d", code)
	}
}

func TestWebhookAcceptsExotelForm(t *testing.T) {
	store, jobs := &fakeStore{}, &fakeJobs{}
	r := newRouter(store, jobs, nil)
	body := "CallSid=f1&CallType=completed&RecordingUrl=http%3A%2F%2Fmock%2Ff1.mp3&From=0999&To=0888&DialCallDuration=33"
	code, env := post(t, r, "/webhook/exotel", "application/x-www-form-urlencoded", body)
	if code != http.StatusOK || env.Data.Status != OutcomeProcessed {
		t.Fatalf("form: %d %+v", code, env)
	}
	c := store.bySID["f1"]
	if c.CallerNumber != "0999" || c.DurationSeconds == nil || *c.DurationSeconds != 33 {
		t.Fatalf("unexpected call: %+v", c)
	}
}

func TestMockWebhookDefaults(t *testing.T) {
	store, jobs := &fakeStore{}, &fakeJobs{}
	r := newRouter(store, jobs, nil)
	code, env := post(t, r, "/webhook/mock", "application/json", `{}`)
	if code != http.StatusOK || env.Data.Status != OutcomeProcessed {
		t.Fatalf("mock: %d %+v", code, env)
	}
	if len(store.bySID) != 1 {
		t.Fatalf("expected one call, got %d", len(store.bySID))
	}
	for sid, c := range store.bySID {
		if !strings.HasPrefix(sid, "mock-") || c.RecordingURL != DefaultMockRecordingURL {
			t.Fatalf("unexpected mock call: %+v", c)
		}
		if c.Metadata["mock"] != true {
			t.Fatalf("mock flag missing: %v", c.Metadata)
		}
	}

	code, env = post(t, r, "/webhook/mock", "application/json", `{"call_sid":"fixed","on_call_duration":"12"}`)
	if code != http.StatusOK || env.Data.CallID != "call-fixed" {
		t.Fatalf("mock override: %d %+v", code, env)
	}
	if d := store.bySID["fixed"].DurationSeconds; d == nil || *d != 12 {
		t.Fatalf("duration = %v", d)
	}
}

func TestExotelRecordingCredentials(t *testing.T) {
	if NewExotel(config.ExotelConfig{}).RecordingCredentials() != nil {
		t.Fatalf("expected no credentials without an api key")
	}
	cr := NewExotel(config.ExotelConfig{APIKey: "k", APIToken: "t"}).RecordingCredentials()
	if cr == nil || cr.Username != "k" || cr.Password != "t" {
		t.Fatalf("unexpected credentials: %+v", cr)
	}
}
