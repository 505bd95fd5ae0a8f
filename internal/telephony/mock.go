package telephony

import (
	"net/http"
	"time"

	"callscore/internal/objectstore"

	"github.com/google/uuid"
)

// DefaultMockRecordingURL points at the object store's mock host.
const DefaultMockRecordingURL = "http://" + objectstore.MockHost + "/recording.wav"

// Mock accepts the vendor payload shape with every field defaulted, for
// local runs without telephony.
type Mock struct {
	RecordingURL string
	now          func() time.Time
}

func NewMock(recordingURL string) *Mock {
	if recordingURL == "" {
		recordingURL = DefaultMockRecordingURL
	}
	return &Mock{RecordingURL: recordingURL, now: time.Now}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) RecordingCredentials() *objectstore.Credentials { return nil }

func (m *Mock) ParseCompletion(r *http.Request) (CompletionEvent, error) {
	raw, err := ReadPayload(r)
	if err != nil {
		return CompletionEvent{}, err
	}
	m.applyDefaults(raw)
	return ParseEvent(raw, m.now())
}

func (m *Mock) applyDefaults(raw map[string]any) {
	def := func(keys []string, v any) {
		if _, ok := lookup(raw, keys); !ok {
			raw[keys[0]] = v
		}
	}
	def(fCallSID, "mock-"+uuid.NewString())
	def(fCallType, CallTypeCompleted)
	def(fRecordingURL, m.RecordingURL)
	def(fFrom, "9999999999")
	def(fTo, "8888888888")
	def(fDirection, "incoming")
	def(fOnCallDuration, 60)
	def(fStartTime, m.now().UTC().Format(time.RFC3339))
	raw["mock"] = true
}
