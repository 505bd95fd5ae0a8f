package stt

import (
	"context"
	"testing"
	"time"

	"callscore/internal/apperr"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

type fakeRecognizer struct {
	resp  *speechpb.LongRunningRecognizeResponse
	err   error
	calls int
	last  *speechpb.LongRunningRecognizeRequest
}

func (f *fakeRecognizer) Recognize(_ context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	f.calls++
	f.last = req
	return f.resp, f.err
}

func newFakeGoogle(rec recognizer) *Google {
	g := NewGoogle(GoogleConfig{})
	g.rec = rec
	return g
}

func TestGoogleEncoding(t *testing.T) {
	wav := writeWAV(t, time.Second)
	cases := []struct {
		path string
		enc  speechpb.RecognitionConfig_AudioEncoding
		rate int32
	}{
		{wav, speechpb.RecognitionConfig_LINEAR16, 16000},
		{"/missing/call.wav", speechpb.RecognitionConfig_LINEAR16, 0},
		{"call.FLAC", speechpb.RecognitionConfig_FLAC, 0},
		{"call.ogg", speechpb.RecognitionConfig_OGG_OPUS, 48000},
		{"call.opus", speechpb.RecognitionConfig_OGG_OPUS, 48000},
		{"call.webm", speechpb.RecognitionConfig_WEBM_OPUS, 48000},
		{"call.mp3", speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, 0},
	}
	for _, tc := range cases {
		enc, rate := googleEncoding(tc.path)
		assert.Equal(t, tc.enc, enc, tc.path)
		assert.Equal(t, tc.rate, rate, tc.path)
	}
}

func TestGoogleTranscribeAssemblesResults(t *testing.T) {
	rec := &fakeRecognizer{resp: &speechpb.LongRunningRecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{
			{
				Alternatives: []*speechpb.SpeechRecognitionAlternative{
					{Transcript: " hello, thanks for calling ", Confidence: 0.5},
				},
				ResultEndTime: durationpb.New(3 * time.Second),
				LanguageCode:  "ml-in",
			},
			{Alternatives: nil, ResultEndTime: durationpb.New(4 * time.Second)},
			{
				Alternatives: []*speechpb.SpeechRecognitionAlternative{{
					Transcript: "how can I help",
					Confidence: 0.75,
					Words: []*speechpb.WordInfo{
						{Word: "how", StartTime: durationpb.New(4500 * time.Millisecond), SpeakerTag: 2},
					},
				}},
				ResultEndTime: durationpb.New(6 * time.Second),
			},
		},
		TotalBilledTime: durationpb.New(15 * time.Second),
	}}
	g := newFakeGoogle(rec)
	audio := writeWAV(t, 6*time.Second)

	res, err := g.Transcribe(context.Background(), audio, Options{Language: "ml", Diarize: true})
	require.NoError(t, err)
	require.Equal(t, 1, rec.calls)

	cfg := rec.last.GetConfig()
	assert.Equal(t, "ml-IN", cfg.GetLanguageCode())
	assert.Equal(t, "latest_long", cfg.GetModel())
	assert.Equal(t, speechpb.RecognitionConfig_LINEAR16, cfg.GetEncoding())
	assert.Equal(t, int32(16000), cfg.GetSampleRateHertz())
	assert.True(t, cfg.GetDiarizationConfig().GetEnableSpeakerDiarization())
	assert.NotEmpty(t, rec.last.GetAudio().GetContent())

	assert.Equal(t, "hello, thanks for calling how can I help", res.Text)
	assert.Equal(t, 8, res.WordCount)
	assert.Equal(t, "ml", res.Language)
	assert.Equal(t, "google", res.Provider)
	assert.InDelta(t, 15.0, res.DurationS, 0.001)
	require.Len(t, res.Segments, 2)
	assert.InDelta(t, 0.0, res.Segments[0].Start, 0.001)
	assert.InDelta(t, 3.0, res.Segments[0].End, 0.001)
	assert.Empty(t, res.Segments[0].Speaker)
	assert.InDelta(t, 4.5, res.Segments[1].Start, 0.001)
	assert.Equal(t, "speaker_2", res.Segments[1].Speaker)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.625, *res.Confidence, 0.0001)
	assert.NotEmpty(t, res.RawResponse)
}

func TestGoogleTranscribeRequiresInitialize(t *testing.T) {
	_, err := NewGoogle(GoogleConfig{}).Transcribe(context.Background(), writeWAV(t, time.Second), Options{})
	assert.True(t, apperr.HasCode(err, apperr.CodeServiceUnavailable))
}

func TestGoogleUnauthenticatedIsFatal(t *testing.T) {
	rec := &fakeRecognizer{err: status.Error(codes.Unauthenticated, "bad key")}
	_, err := newFakeGoogle(rec).Transcribe(context.Background(), writeWAV(t, time.Second), Options{})
	require.Error(t, err)
	assert.Equal(t, 1, rec.calls)
	assert.False(t, apperr.IsRetryable(err))
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthorized))
}

func TestClassifyGRPCError(t *testing.T) {
	cases := []struct {
		code      codes.Code
		want      string
		retryable bool
	}{
		{codes.ResourceExhausted, apperr.CodeRateLimited, true},
		{codes.InvalidArgument, apperr.CodeExternalAPI, false},
		{codes.Unauthenticated, apperr.CodeUnauthorized, false},
		{codes.PermissionDenied, apperr.CodeUnauthorized, false},
		{codes.Unavailable, apperr.CodeExternalAPI, true},
		{codes.NotFound, apperr.CodeExternalAPI, false},
	}
	for _, tc := range cases {
		err := classifyGRPCError("google", status.Error(tc.code, "nope"))
		e, ok := apperr.As(err)
		require.True(t, ok, tc.code.String())
		assert.Equal(t, tc.want, e.Code, tc.code.String())
		assert.Equal(t, tc.retryable, apperr.IsRetryable(err), tc.code.String())
	}
	assert.NoError(t, classifyGRPCError("google", nil))
}
