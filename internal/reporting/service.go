package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"callscore/internal/calls"
	"callscore/internal/scoring"
	"callscore/internal/store"

	"github.com/patrickmn/go-cache"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

const (
	dateLayout    = "2006-01-02"
	maxDays       = 90
	topIssuesN    = 10
	issueExamples = 3
	recentCallsN  = 10
	unassigned    = "unassigned"
)

// Repository abstracts data access for reporting.
//
// Implementations must filter analyses by org and by created_at in [from, to).
type Repository interface {
	AnalysesBetween(ctx context.Context, orgID string, from, to time.Time) ([]store.AnalysisRow, error)
	CountNotifications(ctx context.Context, f store.NotificationFilter) (int, error)
}

type Service struct {
	repo    Repository
	scoring scoring.Config
	cache   *cache.Cache
	now     func() time.Time
}

// NewService builds a digest generator. Digests of closed days are cached
// for cacheTTL; zero disables caching.
func NewService(repo Repository, sc scoring.Config, cacheTTL time.Duration) *Service {
	s := &Service{repo: repo, scoring: sc, now: time.Now}
	if cacheTTL > 0 {
		s.cache = cache.New(cacheTTL, 2*cacheTTL)
	}
	return s
}

// ParseDate parses a YYYY-MM-DD day. Empty means today (UTC).
func ParseDate(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return dayStart(now), nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidRequest)
	}
	return t, nil
}

// Today is the current UTC day.
func (s *Service) Today() time.Time { return dayStart(s.now()) }

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Daily builds the digest for one UTC day.
func (s *Service) Daily(ctx context.Context, req DailyRequest) (Digest, error) {
	if req.OrgID == "" {
		return Digest{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Digest{}, errors.New("reporting: repository not configured")
	}
	if req.Date.IsZero() {
		req.Date = s.now()
	}
	from := dayStart(req.Date)
	to := from.AddDate(0, 0, 1)

	key := fmt.Sprintf("daily|%s|%s|%t", req.OrgID, from.Format(dateLayout), req.IncludeDetails)
	closed := !to.After(s.now())
	if closed && s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v.(Digest), nil
		}
	}

	rows, err := s.repo.AnalysesBetween(ctx, req.OrgID, from, to)
	if err != nil {
		return Digest{}, err
	}
	alerts, err := s.alertsCount(ctx, req.OrgID, from, to)
	if err != nil {
		return Digest{}, err
	}

	d := Digest{
		OrgID:       req.OrgID,
		Date:        from.Format(dateLayout),
		Range:       TimeRange{From: from, To: to},
		Summary:     s.aggregate(rows),
		GeneratedAt: s.now().UTC(),
	}
	d.AlertsCount = alerts
	if req.IncludeDetails {
		d.Calls = s.callLines(rows)
	}
	if closed && s.cache != nil {
		s.cache.Set(key, d, cache.DefaultExpiration)
	}
	return d, nil
}

// Weekly reduces the daily digests of the last Days days (ending at End)
// into one summary. Averages are weighted by each day's call count.
func (s *Service) Weekly(ctx context.Context, req WeeklyRequest) (WeeklyDigest, error) {
	days, err := normalizeDays(req.Days, 7)
	if err != nil {
		return WeeklyDigest{}, err
	}
	if req.OrgID == "" {
		return WeeklyDigest{}, ErrInvalidRequest
	}
	end := req.End
	if end.IsZero() {
		end = s.now()
	}
	last := dayStart(end)
	first := last.AddDate(0, 0, -(days - 1))

	digests := make([]Digest, 0, days)
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		d, err := s.Daily(ctx, DailyRequest{OrgID: req.OrgID, Date: day, IncludeDetails: true})
		if err != nil {
			return WeeklyDigest{}, err
		}
		digests = append(digests, d)
	}

	out := WeeklyDigest{
		OrgID:       req.OrgID,
		Days:        days,
		Range:       TimeRange{From: first, To: last.AddDate(0, 0, 1)},
		Summary:     s.merge(digests),
		GeneratedAt: s.now().UTC(),
	}
	for _, d := range digests {
		out.Daily = append(out.Daily, DaySummary{Date: d.Date, TotalCalls: d.TotalCalls, AvgScore: d.AvgScore})
	}
	return out, nil
}

// Trends compares the last Days days against the Days before them.
func (s *Service) Trends(ctx context.Context, req TrendRequest) (Trend, error) {
	days, err := normalizeDays(req.Days, 7)
	if err != nil {
		return Trend{}, err
	}
	if req.OrgID == "" {
		return Trend{}, ErrInvalidRequest
	}
	end := req.End
	if end.IsZero() {
		end = s.now()
	}
	curTo := dayStart(end).AddDate(0, 0, 1)
	curFrom := curTo.AddDate(0, 0, -days)
	prevFrom := curFrom.AddDate(0, 0, -days)

	cur, err := s.period(ctx, req.OrgID, curFrom, curTo)
	if err != nil {
		return Trend{}, err
	}
	prev, err := s.period(ctx, req.OrgID, prevFrom, curFrom)
	if err != nil {
		return Trend{}, err
	}
	t := Trend{OrgID: req.OrgID, Days: days, Current: cur, Previous: prev, Direction: TrendStable}
	if cur.TotalCalls > 0 && prev.TotalCalls > 0 {
		t.Change = scoring.Round1(cur.AvgScore - prev.AvgScore)
		t.Direction = TrendDirection(t.Change)
	}
	return t, nil
}

// TrendDirection labels an average-score change using a ±2 point dead-band.
func TrendDirection(change float64) string {
	switch {
	case change > trendDeadBand:
		return TrendImproving
	case change < -trendDeadBand:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// Agent reports one agent's performance over the last Days days.
func (s *Service) Agent(ctx context.Context, req AgentRequest) (AgentReport, error) {
	days, err := normalizeDays(req.Days, 30)
	if err != nil {
		return AgentReport{}, err
	}
	if req.OrgID == "" || req.AgentID == "" {
		return AgentReport{}, ErrInvalidRequest
	}
	end := req.End
	if end.IsZero() {
		end = s.now()
	}
	to := dayStart(end).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -days)

	all, err := s.repo.AnalysesBetween(ctx, req.OrgID, from, to)
	if err != nil {
		return AgentReport{}, err
	}
	var rows []store.AnalysisRow
	for _, r := range all {
		if agentOf(r) == req.AgentID {
			rows = append(rows, r)
		}
	}

	sum := s.aggregate(rows)
	out := AgentReport{
		OrgID:            req.OrgID,
		AgentID:          req.AgentID,
		Days:             days,
		Range:            TimeRange{From: from, To: to},
		AgentStats:       AgentStats{AgentID: req.AgentID, Sentiment: sum.Sentiment},
		MedianScore:      sum.MedianScore,
		CategoryAverages: sum.CategoryAverages,
		TopIssues:        sum.TopIssues,
	}
	out.TotalCalls, out.AvgScore, out.MinScore, out.MaxScore = sum.TotalCalls, sum.AvgScore, sum.MinScore, sum.MaxScore

	byDay := map[string][]float64{}
	for _, r := range rows {
		day := r.CreatedAt.UTC().Format(dateLayout)
		byDay[day] = append(byDay[day], r.OverallScore)
	}
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		key := day.Format(dateLayout)
		scores := byDay[key]
		out.Daily = append(out.Daily, DaySummary{Date: key, TotalCalls: len(scores), AvgScore: mean(scores)})
	}

	lines := s.callLines(rows)
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].CreatedAt.After(lines[j].CreatedAt) })
	if len(lines) > recentCallsN {
		lines = lines[:recentCallsN]
	}
	out.RecentCalls = lines
	return out, nil
}

func normalizeDays(days, def int) (int, error) {
	if days == 0 {
		return def, nil
	}
	if days < 1 || days > maxDays {
		return 0, fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidRequest, maxDays)
	}
	return days, nil
}

func (s *Service) period(ctx context.Context, orgID string, from, to time.Time) (PeriodSummary, error) {
	rows, err := s.repo.AnalysesBetween(ctx, orgID, from, to)
	if err != nil {
		return PeriodSummary{}, err
	}
	scores := make([]float64, 0, len(rows))
	for _, r := range rows {
		scores = append(scores, r.OverallScore)
	}
	return PeriodSummary{Range: TimeRange{From: from, To: to}, TotalCalls: len(rows), AvgScore: mean(scores)}, nil
}

func (s *Service) alertsCount(ctx context.Context, orgID string, from, to time.Time) (int, error) {
	total := 0
	for _, typ := range []calls.NotificationType{calls.NotificationLowScoreAlert, calls.NotificationCriticalIssue} {
		n, err := s.repo.CountNotifications(ctx, store.NotificationFilter{OrgID: orgID, Type: typ, Status: calls.NotificationSent, From: from, To: to})
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (s *Service) aggregate(rows []store.AnalysisRow) Summary {
	sum := emptySummary()
	if len(rows) == 0 {
		return sum
	}
	scores := make([]float64, 0, len(rows))
	catSum := map[string]float64{}
	catN := map[string]int{}
	issues := map[string]*IssueSummary{}
	agents := map[string][]store.AnalysisRow{}

	for _, r := range rows {
		scores = append(scores, r.OverallScore)
		sum.ByBand[string(s.scoring.Band(r.OverallScore))]++
		sum.Sentiment[string(calls.ParseSentiment(string(r.Sentiment)))]++
		for k, cs := range r.CategoryScores {
			catSum[k] += cs.Score
			catN[k]++
		}
		for _, is := range r.Issues {
			addIssue(issues, is.Type, string(is.Severity), 1, is.Detail)
		}
		agents[agentOf(r)] = append(agents[agentOf(r)], r)
	}

	sum.TotalCalls = len(rows)
	sum.AvgScore = mean(scores)
	sort.Float64s(scores)
	sum.MinScore = scores[0]
	sum.MaxScore = scores[len(scores)-1]
	sum.MedianScore = median(scores)
	for k, total := range catSum {
		sum.CategoryAverages[k] = scoring.Round1(total / float64(catN[k]))
	}
	sum.issues = rankIssues(issues)
	sum.TopIssues = topIssues(sum.issues)

	for id, list := range agents {
		st := AgentStats{AgentID: id, TotalCalls: len(list), Sentiment: emptySentiment()}
		agentScores := make([]float64, 0, len(list))
		for _, r := range list {
			agentScores = append(agentScores, r.OverallScore)
			st.Sentiment[string(calls.ParseSentiment(string(r.Sentiment)))]++
		}
		st.AvgScore = mean(agentScores)
		sort.Float64s(agentScores)
		st.MinScore, st.MaxScore = agentScores[0], agentScores[len(agentScores)-1]
		sum.Agents = append(sum.Agents, st)
	}
	s.rankAgents(&sum)
	return sum
}

// merge reduces daily digests. The daily digests must carry their call lines
// so the median stays exact.
func (s *Service) merge(days []Digest) Summary {
	sum := emptySummary()
	var scores []float64
	var weighted float64
	catSum := map[string]float64{}
	catW := map[string]int{}
	issues := map[string]*IssueSummary{}
	type agentAcc struct {
		st       AgentStats
		weighted float64
	}
	agents := map[string]*agentAcc{}

	for _, d := range days {
		sum.AlertsCount += d.AlertsCount
		if d.TotalCalls == 0 {
			continue
		}
		if sum.TotalCalls == 0 || d.MinScore < sum.MinScore {
			sum.MinScore = d.MinScore
		}
		if sum.TotalCalls == 0 || d.MaxScore > sum.MaxScore {
			sum.MaxScore = d.MaxScore
		}
		sum.TotalCalls += d.TotalCalls
		weighted += d.AvgScore * float64(d.TotalCalls)
		for k, v := range d.ByBand {
			sum.ByBand[k] += v
		}
		for k, v := range d.Sentiment {
			sum.Sentiment[k] += v
		}
		for k, v := range d.CategoryAverages {
			catSum[k] += v * float64(d.TotalCalls)
			catW[k] += d.TotalCalls
		}
		for _, is := range d.issues {
			addIssue(issues, is.Category, is.Severity, is.Count, is.Examples...)
		}
		for _, a := range d.Agents {
			acc, ok := agents[a.AgentID]
			if !ok {
				acc = &agentAcc{st: AgentStats{AgentID: a.AgentID, MinScore: a.MinScore, MaxScore: a.MaxScore, Sentiment: emptySentiment()}}
				agents[a.AgentID] = acc
			}
			acc.st.TotalCalls += a.TotalCalls
			acc.weighted += a.AvgScore * float64(a.TotalCalls)
			acc.st.MinScore = min(acc.st.MinScore, a.MinScore)
			acc.st.MaxScore = max(acc.st.MaxScore, a.MaxScore)
			for k, v := range a.Sentiment {
				acc.st.Sentiment[k] += v
			}
		}
		for _, c := range d.Calls {
			scores = append(scores, c.Score)
		}
	}
	if sum.TotalCalls == 0 {
		return sum
	}
	sum.AvgScore = scoring.Round1(weighted / float64(sum.TotalCalls))
	sort.Float64s(scores)
	sum.MedianScore = median(scores)
	for k, v := range catSum {
		sum.CategoryAverages[k] = scoring.Round1(v / float64(catW[k]))
	}
	sum.issues = rankIssues(issues)
	sum.TopIssues = topIssues(sum.issues)
	for _, acc := range agents {
		acc.st.AvgScore = scoring.Round1(acc.weighted / float64(acc.st.TotalCalls))
		sum.Agents = append(sum.Agents, acc.st)
	}
	s.rankAgents(&sum)
	return sum
}

// rankAgents sorts agents best first and fills NeedsImprovement worst first.
func (s *Service) rankAgents(sum *Summary) {
	sort.Slice(sum.Agents, func(i, j int) bool {
		if sum.Agents[i].AvgScore != sum.Agents[j].AvgScore {
			return sum.Agents[i].AvgScore > sum.Agents[j].AvgScore
		}
		return sum.Agents[i].AgentID < sum.Agents[j].AgentID
	})
	sum.NeedsImprovement = []AgentStats{}
	for i := len(sum.Agents) - 1; i >= 0; i-- {
		if s.scoring.BelowAlert(sum.Agents[i].AvgScore) {
			sum.NeedsImprovement = append(sum.NeedsImprovement, sum.Agents[i])
		}
	}
}

func (s *Service) callLines(rows []store.AnalysisRow) []CallLine {
	out := make([]CallLine, 0, len(rows))
	for _, r := range rows {
		out = append(out, CallLine{
			CallID:          r.CallID,
			AnalysisID:      r.ID,
			ExternalCallSID: r.ExternalCallSID,
			AgentID:         r.AgentID,
			Score:           r.OverallScore,
			Band:            string(s.scoring.Band(r.OverallScore)),
			Sentiment:       string(r.Sentiment),
			Summary:         r.Summary,
			CreatedAt:       r.CreatedAt,
		})
	}
	return out
}

func addIssue(into map[string]*IssueSummary, category, severity string, count int, examples ...string) {
	key := category + "|" + severity
	is, ok := into[key]
	if !ok {
		is = &IssueSummary{Category: category, Severity: severity}
		into[key] = is
	}
	is.Count += count
	for _, ex := range examples {
		if ex == "" || len(is.Examples) >= issueExamples || containsString(is.Examples, ex) {
			continue
		}
		is.Examples = append(is.Examples, ex)
	}
}

// rankIssues orders by count, then severity, then category.
func rankIssues(m map[string]*IssueSummary) []IssueSummary {
	out := make([]IssueSummary, 0, len(m))
	for _, is := range m {
		out = append(out, *is)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		ri, rj := severityRank(out[i].Severity), severityRank(out[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Severity < out[j].Severity
	})
	return out
}

func topIssues(ranked []IssueSummary) []IssueSummary {
	if len(ranked) > topIssuesN {
		return ranked[:topIssuesN:topIssuesN]
	}
	return ranked
}

func severityRank(s string) int {
	switch calls.Severity(s) {
	case calls.SeverityCritical:
		return 4
	case calls.SeverityHigh:
		return 3
	case calls.SeverityMedium:
		return 2
	case calls.SeverityLow:
		return 1
	}
	return 0
}

func emptySummary() Summary {
	sum := Summary{
		ByBand:           map[string]int{},
		Sentiment:        emptySentiment(),
		CategoryAverages: map[string]float64{},
		TopIssues:        []IssueSummary{},
		Agents:           []AgentStats{},
		NeedsImprovement: []AgentStats{},
	}
	for _, b := range scoring.AllBands {
		sum.ByBand[string(b)] = 0
	}
	return sum
}

func emptySentiment() map[string]int {
	return map[string]int{
		string(calls.SentimentPositive): 0,
		string(calls.SentimentNeutral):  0,
		string(calls.SentimentNegative): 0,
	}
}

func agentOf(r store.AnalysisRow) string {
	if r.AgentID == "" {
		return unassigned
	}
	return r.AgentID
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var total float64
	for _, x := range xs {
		total += x
	}
	return scoring.Round1(total / float64(len(xs)))
}

// median expects sorted input.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return scoring.Round1((sorted[n/2-1] + sorted[n/2]) / 2)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
