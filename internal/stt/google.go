package stt

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/resilience"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

// googleInlineLimit is the largest inline payload the v1 API accepts.
const googleInlineLimit = 10 << 20

type GoogleConfig struct {
	APIKey          string
	CredentialsFile string
	Model           string
	Guard           *resilience.Guard
}

// recognizer is the slice of the speech client the provider uses.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)
}

type speechClient struct{ c *speech.Client }

func (s speechClient) Recognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	op, err := s.c.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

// Google runs Chirp/latest_long through Cloud Speech v1 long-running
// recognition with inline audio.
type Google struct {
	base
	cfg GoogleConfig
	rec recognizer
}

func NewGoogle(cfg GoogleConfig) *Google {
	if cfg.Model == "" {
		cfg.Model = "latest_long"
	}
	return &Google{
		base: base{
			name:      "google",
			model:     cfg.Model,
			formats:   []string{"wav", "flac", "ogg", "opus", "webm"},
			languages: IndicLanguages,
			perMinute: 0.016,
			guard:     cfg.Guard,
		},
		cfg: cfg,
	}
}

func (g *Google) Initialize(ctx context.Context) bool {
	var opts []option.ClientOption
	switch {
	case g.cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(g.cfg.CredentialsFile))
	case g.cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(g.cfg.APIKey))
	default:
		return false
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return false
	}
	g.rec = speechClient{c: c}
	return true
}

func (g *Google) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if g.rec == nil {
		return Result{}, apperr.Unavailable("google is not initialized")
	}
	size, err := g.checkAudio(audioPath)
	if err != nil {
		return Result{}, err
	}
	if size > googleInlineLimit {
		return Result{}, apperr.Fatal(apperr.CodeAudioTooLarge,
			fmt.Sprintf("google inline audio is limited to %d bytes", googleInlineLimit), nil).
			WithDetail("provider", g.name)
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return Result{}, apperr.Fatal(apperr.CodeValidation, "audio file not readable", err)
	}
	start := time.Now()
	lang := g.language(opts, "en")

	cfg := &speechpb.RecognitionConfig{
		LanguageCode:               LocaleTag(lang),
		Model:                      g.cfg.Model,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      opts.Timestamps,
	}
	cfg.Encoding, cfg.SampleRateHertz = googleEncoding(audioPath)
	if opts.Diarize {
		cfg.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          2,
			MaxSpeakerCount:          2,
		}
	}
	req := &speechpb.LongRunningRecognizeRequest{
		Config: cfg,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: data}},
	}

	var resp *speechpb.LongRunningRecognizeResponse
	err = g.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = g.rec.Recognize(ctx, req)
		return classifyGRPCError(g.name, err)
	})
	if err != nil {
		return Result{}, err
	}

	r := Result{Language: ShortCode(lang)}
	var texts []string
	var prevEnd float64
	for _, res := range resp.GetResults() {
		alts := res.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		alt := alts[0]
		end := res.GetResultEndTime().AsDuration().Seconds()
		seg := calls.Segment{
			Start:      prevEnd,
			End:        end,
			Text:       strings.TrimSpace(alt.GetTranscript()),
			Confidence: ptr(float64(alt.GetConfidence())),
		}
		if words := alt.GetWords(); len(words) > 0 {
			seg.Start = words[0].GetStartTime().AsDuration().Seconds()
			if tag := words[0].GetSpeakerTag(); tag > 0 {
				seg.Speaker = fmt.Sprintf("speaker_%d", tag)
			}
		}
		if lc := res.GetLanguageCode(); lc != "" {
			r.Language = ShortCode(lc)
		}
		prevEnd = end
		if seg.Text == "" {
			continue
		}
		r.Segments = append(r.Segments, seg)
		texts = append(texts, seg.Text)
	}
	r.Text = strings.Join(texts, " ")
	if billed := resp.GetTotalBilledTime(); billed != nil {
		r.DurationS = billed.AsDuration().Seconds()
	}
	if r.DurationS == 0 {
		r.DurationS = EstimateDuration(audioPath)
	}
	if raw, err := protojson.Marshal(resp); err == nil {
		r.RawResponse = raw
	}
	r.ProcessingTimeMs = time.Since(start).Milliseconds()
	g.finish(&r, g.cfg.Model)
	return r, nil
}

// googleEncoding picks the RecognitionConfig encoding for a file. WAV takes
// its sample rate from the header; other containers carry their own.
func googleEncoding(path string) (speechpb.RecognitionConfig_AudioEncoding, int32) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "wav":
		if f, err := os.Open(path); err == nil {
			defer f.Close()
			if info, ok := readWAVHeader(f); ok {
				return speechpb.RecognitionConfig_LINEAR16, int32(info.sampleRate)
			}
		}
		return speechpb.RecognitionConfig_LINEAR16, 0
	case "flac":
		return speechpb.RecognitionConfig_FLAC, 0
	case "ogg", "opus":
		return speechpb.RecognitionConfig_OGG_OPUS, 48000
	case "webm":
		return speechpb.RecognitionConfig_WEBM_OPUS, 48000
	}
	return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, 0
}

// classifyGRPCError maps gRPC status codes onto the HTTP status table used by
// the REST providers.
func classifyGRPCError(provider string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return transportError(provider, err)
	}
	var code int
	switch st.Code() {
	case codes.Unauthenticated:
		code = http.StatusUnauthorized
	case codes.PermissionDenied:
		code = http.StatusForbidden
	case codes.ResourceExhausted:
		code = http.StatusTooManyRequests
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		code = http.StatusBadRequest
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.DeadlineExceeded:
		code = http.StatusGatewayTimeout
	case codes.Canceled:
		return transportError(provider, context.Canceled)
	case codes.Unimplemented:
		code = http.StatusNotImplemented
	default:
		code = http.StatusServiceUnavailable
	}
	return StatusError(provider, code, st.Message(), 0)
}
