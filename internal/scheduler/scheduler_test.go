package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"callscore/internal/calls"
	"callscore/internal/notify"
	"callscore/internal/reporting"
	"callscore/internal/scoring"
	"callscore/internal/store"
	"callscore/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notifications struct {
	mu   sync.Mutex
	rows []calls.Notification
}

func (n *notifications) AppendNotification(_ context.Context, row calls.Notification) (calls.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rows = append(n.rows, row)
	return row, nil
}

func (n *notifications) HasSentNotification(_ context.Context, key string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range n.rows {
		if r.DedupeKey == key && r.Status == calls.NotificationSent {
			return true, nil
		}
	}
	return false, nil
}

func (n *notifications) ListPreferences(context.Context) ([]calls.UserPreferences, error) {
	return nil, nil
}

func TestDigestSenderSendsOncePerDate(t *testing.T) {
	day := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	repo := reporting.NewMemoryRepo()
	repo.Analyses = []store.AnalysisRow{
		{Analysis: calls.Analysis{ID: "a1", CallID: "c1", OverallScore: 42, Sentiment: calls.SentimentNegative,
			CreatedAt: day.Add(9 * time.Hour)}, OrgID: "org1", AgentID: "agent-1"},
	}
	console := notify.NewNullChannel(calls.ChannelConsole)
	rows := &notifications{}
	router := notify.NewRouter(rows, scoring.DefaultConfig(), notify.Settings{
		Enabled: true, DailyDigest: true, Channels: []calls.Channel{calls.ChannelConsole},
	}, logger.Discard(), console)

	d := DigestSender{
		Reports: reporting.NewService(repo, scoring.DefaultConfig(), 0),
		Router:  router,
		OrgID:   "org1",
	}

	dg, out, err := d.Send(context.Background(), day, false)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-06", dg.Date)
	assert.Equal(t, 1, dg.TotalCalls)
	require.Len(t, out, 1)
	require.Len(t, console.Sent(), 1)
	assert.True(t, strings.Contains(console.Sent()[0].Text, "Calls analyzed: 1"))

	_, out, err = d.Send(context.Background(), day, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Skipped)
	assert.Len(t, console.Sent(), 1)

	_, _, err = d.Send(context.Background(), day, true)
	require.NoError(t, err)
	assert.Len(t, console.Sent(), 2, "force resends")
}

func TestDigestSenderRespectsSwitch(t *testing.T) {
	console := notify.NewNullChannel(calls.ChannelConsole)
	router := notify.NewRouter(&notifications{}, scoring.DefaultConfig(), notify.Settings{
		Enabled: true, Channels: []calls.Channel{calls.ChannelConsole},
	}, logger.Discard(), console)
	d := DigestSender{
		Reports: reporting.NewService(reporting.NewMemoryRepo(), scoring.DefaultConfig(), 0),
		Router:  router,
		OrgID:   "org1",
	}
	require.NoError(t, d.Run(context.Background()))
	assert.Empty(t, console.Sent())
}

func TestSchedulerAdd(t *testing.T) {
	s := New(logger.Discard())
	require.NoError(t, s.Add("digest", "0 18 * * *", time.Minute, func(context.Context) error { return nil }))
	assert.Equal(t, 1, s.Entries())
	assert.Error(t, s.Add("bad", "not a spec", time.Minute, func(context.Context) error { return nil }))

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
