package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/diffye/ctf-backend/internal/audit"
	"github.com/diffye/ctf-backend/internal/auth"
	"github.com/diffye/ctf-backend/internal/challenges"
	"github.com/diffye/ctf-backend/internal/database/dbtest"
	"github.com/diffye/ctf-backend/internal/flags"
	"github.com/diffye/ctf-backend/internal/metrics"
	"github.com/diffye/ctf-backend/internal/ratelimit"
	"github.com/diffye/ctf-backend/internal/server"
	"github.com/diffye/ctf-backend/internal/stats"
	"github.com/diffye/ctf-backend/internal/submissions"
	"github.com/diffye/ctf-backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	flowSigningSecret = "flow-secret"
	flowIssuer        = "ctf-backend"
	jsonContentType   = "application/json"
)

type flowClient struct {
	t       *testing.T
	baseURL string
	token   string
}

func (c flowClient) do(method string, path string, payload any) (int, []byte) {
	c.t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		require.NoError(c.t, err)
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, c.baseURL+path, body)
	require.NoError(c.t, err)
	request.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(c.t, err, "%s %s", method, path)
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	require.NoError(c.t, err)
	return response.StatusCode, raw
}

func (c flowClient) submit(userID string, challengeID string, flag string) submissions.Outcome {
	c.t.Helper()
	status, raw := c.do(http.MethodPost, "/v1/submissions", map[string]string{
		"user_id":      userID,
		"challenge_id": challengeID,
		"flag":         flag,
	})
	require.Equal(c.t, http.StatusOK, status, string(raw))
	var payload struct {
		Outcome submissions.Outcome `json:"outcome"`
	}
	require.NoError(c.t, json.Unmarshal(raw, &payload))
	return payload.Outcome
}

func TestSubmissionAndStatsFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := zap.NewNop()

	connections, _ := dbtest.NewPool(testContext, dbtest.Options{MaxConnections: 4})

	validator, err := flags.NewValidator(flags.ValidatorConfig{FingerprintKey: "flow-event"})
	require.NoError(testContext, err)
	catalogue, err := challenges.NewCatalogue(challenges.CatalogueConfig{Pool: connections, Fingerprinter: validator, Logger: logger})
	require.NoError(testContext, err)
	_, err = catalogue.Publish(ctx, []challenges.Definition{
		{ID: "ch1", Title: "Warmup", Category: "misc", Points: 100, Flag: "FLAG{abc}"},
		{ID: "ch2", Title: "Crypto", Category: "crypto", Points: 250, Flag: "FLAG{xor}"},
	})
	require.NoError(testContext, err)

	userService, err := users.NewService(users.ServiceConfig{Pool: connections})
	require.NoError(testContext, err)
	collector := metrics.NewCollector(connections)
	auditWriter, err := audit.NewWriter(audit.Config{Pool: connections, Observer: collector, Logger: logger})
	require.NoError(testContext, err)
	testContext.Cleanup(func() { _ = auditWriter.Close(context.Background()) })

	feed := server.NewSolveFeed()
	service, err := submissions.NewService(submissions.ServiceConfig{
		Pool:         connections,
		Limiter:      ratelimit.New(ratelimit.Config{MaxCalls: 100, Period: time.Minute}),
		Validator:    validator,
		Catalogue:    catalogue,
		Users:        userService,
		Audit:        auditWriter,
		Publisher:    submissions.Publishers{collector, feed},
		Observer:     collector,
		RetryBackoff: time.Millisecond,
		Logger:       logger,
	})
	require.NoError(testContext, err)
	aggregator, err := stats.NewAggregator(stats.Config{Pool: connections, Logger: logger})
	require.NoError(testContext, err)
	refresher, err := stats.NewRefresher(stats.RefresherConfig{Source: aggregator, Logger: logger})
	require.NoError(testContext, err)

	tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: []byte(flowSigningSecret), Issuer: flowIssuer})
	require.NoError(testContext, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(flowSigningSecret), Issuer: flowIssuer})
	require.NoError(testContext, err)
	token, _, err := issuer.Issue("flow-bot")
	require.NoError(testContext, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Submissions: service,
		Stats:       aggregator,
		Overview:    refresher,
		Challenges:  catalogue,
		Health:      connections,
		Tokens:      tokenValidator,
		Feed:        feed,
		Metrics:     collector.Handler(),
		Logger:      logger,
	})
	require.NoError(testContext, err)

	testServer := httptest.NewServer(handler)
	defer testServer.Close()
	client := flowClient{t: testContext, baseURL: testServer.URL, token: token}

	status, raw := client.do(http.MethodPost, "/v1/users", map[string]string{"user_id": "alice", "display_name": "Alice"})
	require.Equal(testContext, http.StatusOK, status, string(raw))

	steps := []struct {
		userID      string
		challengeID string
		flag        string
		expected    submissions.Outcome
	}{
		{"alice", "ch1", " flag{abc} ", submissions.OutcomeIncorrect},
		{"alice", "ch1", "FLAG{abc}", submissions.OutcomeCorrect},
		{"alice", "ch1", "FLAG{abc}", submissions.OutcomeAlreadySolved},
		{"alice", "ch2", "FLAG{xor}", submissions.OutcomeCorrect},
		{"bob", "ch1", "FLAG{abc}", submissions.OutcomeCorrect},
		{"bob", "ch2", "<script>", submissions.OutcomeMalformed},
		{"bob", "ch2", "FLAG{" + strings.Repeat("x", 5000) + "}", submissions.OutcomeMalformed},
		{"bob", "ch9", "FLAG{abc}", submissions.OutcomeUnknownChallenge},
	}
	for _, step := range steps {
		outcome := client.submit(step.userID, step.challengeID, step.flag)
		require.Equal(testContext, step.expected, outcome, "%s on %s", step.userID, step.challengeID)
	}

	status, raw = client.do(http.MethodGet, "/v1/stats/users/alice", nil)
	require.Equal(testContext, http.StatusOK, status, string(raw))
	var aliceStats stats.UserStats
	require.NoError(testContext, json.Unmarshal(raw, &aliceStats))
	require.Equal(testContext, 2, int(aliceStats.Solves))
	require.Equal(testContext, 350, int(aliceStats.Points))
	require.Equal(testContext, 4, int(aliceStats.TotalAttempts))

	status, raw = client.do(http.MethodGet, "/v1/stats", nil)
	require.Equal(testContext, http.StatusOK, status, string(raw))
	var overview stats.Overview
	require.NoError(testContext, json.Unmarshal(raw, &overview))
	require.Len(testContext, overview.Leaderboard, 2)
	require.Equal(testContext, "alice", overview.Leaderboard[0].UserID)
	require.Equal(testContext, 3, int(overview.TotalSolves))

	status, raw = client.do(http.MethodGet, "/v1/stats/challenges/ch1", nil)
	require.Equal(testContext, http.StatusOK, status, string(raw))
	var challengeStats stats.ChallengeStats
	require.NoError(testContext, json.Unmarshal(raw, &challengeStats))
	require.NotNil(testContext, challengeStats.FirstSolver)
	require.Equal(testContext, "alice", challengeStats.FirstSolver.UserID)
	require.Equal(testContext, 2, int(challengeStats.Solves))

	require.NoError(testContext, auditWriter.Close(ctx))
	status, raw = client.do(http.MethodGet, "/v1/stats/users/bob", nil)
	require.Equal(testContext, http.StatusOK, status, string(raw))
	var bobStats stats.UserStats
	require.NoError(testContext, json.Unmarshal(raw, &bobStats))
	require.EqualValues(testContext, 2, bobStats.AttemptsByOutcome["malformed"], "malformed attempts are audited")

	metricsRequest, err := http.NewRequest(http.MethodGet, testServer.URL+"/metrics", nil)
	require.NoError(testContext, err)
	metricsResponse, err := http.DefaultClient.Do(metricsRequest)
	require.NoError(testContext, err)
	defer metricsResponse.Body.Close()
	exposition, err := io.ReadAll(metricsResponse.Body)
	require.NoError(testContext, err)
	require.Contains(testContext, string(exposition), `ctf_submissions_total{outcome="correct"} 3`)
}
