package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"callscore/internal/calls"
)

const transcriptColumns = `id, call_id, content, language, speaker_segments, word_count, stt_provider, processing_time_ms, created_at`

// UpsertTranscript replaces the call's transcript. The call must already be
// downloaded or later.
func (s *Store) UpsertTranscript(ctx context.Context, t calls.Transcript) (out calls.Transcript, err error) {
	err = s.tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM calls WHERE id = ?`), t.CallID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if st := calls.Status(status); st.Rank() < calls.StatusDownloaded.Rank() || st == calls.StatusTranscriptionFailed {
			return fmt.Errorf("%w: transcript requires a downloaded call, call %s is %s", calls.ErrIllegalTransition, t.CallID, st)
		}
		out, err = s.upsertTranscriptTx(ctx, tx, t)
		return err
	})
	return out, err
}

// CompleteTranscription advances downloaded -> transcribed and writes the
// transcript in one transaction. A lost race leaves nothing written.
func (s *Store) CompleteTranscription(ctx context.Context, t calls.Transcript) (out calls.Transcript, err error) {
	err = s.tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		msg := fmt.Sprintf("transcribed by %s", t.STTProvider)
		if err := s.advanceTx(ctx, tx, t.CallID, calls.StatusDownloaded, calls.StatusTranscribed, "transcribe", msg); err != nil {
			return err
		}
		out, err = s.upsertTranscriptTx(ctx, tx, t)
		return err
	})
	return out, err
}

func (s *Store) upsertTranscriptTx(ctx context.Context, tx *sql.Tx, t calls.Transcript) (calls.Transcript, error) {
	t.ID = s.newID()
	t.CreatedAt = s.now()
	if t.SpeakerSegments == nil {
		t.SpeakerSegments = []calls.Segment{}
	}
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO transcripts (`+transcriptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id) DO UPDATE SET
			id = excluded.id,
			content = excluded.content,
			language = excluded.language,
			speaker_segments = excluded.speaker_segments,
			word_count = excluded.word_count,
			stt_provider = excluded.stt_provider,
			processing_time_ms = excluded.processing_time_ms,
			created_at = excluded.created_at`),
		t.ID, t.CallID, t.Content, t.Language, toJSON(t.SpeakerSegments, "[]"), t.WordCount,
		t.STTProvider, t.ProcessingTimeMs, fmtTime(t.CreatedAt))
	if err != nil {
		return calls.Transcript{}, fmt.Errorf("upsert transcript: %w", err)
	}
	return t, nil
}

func (s *Store) GetTranscript(ctx context.Context, callID string) (calls.Transcript, error) {
	var (
		t        calls.Transcript
		segs, ca string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT `+transcriptColumns+` FROM transcripts WHERE call_id = ?`), callID).
		Scan(&t.ID, &t.CallID, &t.Content, &t.Language, &segs, &t.WordCount, &t.STTProvider, &t.ProcessingTimeMs, &ca)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Transcript{}, ErrNotFound
	}
	if err != nil {
		return calls.Transcript{}, err
	}
	if err := fromJSON(segs, &t.SpeakerSegments); err != nil {
		return calls.Transcript{}, fmt.Errorf("transcript %s segments: %w", t.ID, err)
	}
	t.CreatedAt = parseTime(ca)
	return t, nil
}

// CountTranscripts counts transcripts for a call.
func (s *Store) CountTranscripts(ctx context.Context, callID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM transcripts WHERE call_id = ?`), callID).Scan(&n)
	return n, err
}
