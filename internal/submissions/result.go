package submissions

import "time"

// Outcome is the terminal state of a submission as reported to the transport.
type Outcome string

const (
	OutcomeCorrect            Outcome = "correct"
	OutcomeIncorrect          Outcome = "incorrect"
	OutcomeMalformed          Outcome = "malformed"
	OutcomeAlreadySolved      Outcome = "already_solved"
	OutcomeRateLimited        Outcome = "rate_limited"
	OutcomePoolExhausted      Outcome = "pool_exhausted"
	OutcomeServiceUnavailable Outcome = "service_unavailable"
	OutcomeInternalError      Outcome = "internal_error"
	OutcomeUnknownChallenge   Outcome = "unknown_challenge"
	OutcomeChallengeLocked    Outcome = "challenge_locked"
)

// Retryable reports whether the same submission may succeed if sent again later.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeRateLimited, OutcomePoolExhausted, OutcomeServiceUnavailable, OutcomeChallengeLocked:
		return true
	default:
		return false
	}
}

var outcomeMessages = map[Outcome]string{
	OutcomeCorrect:            "Correct flag! Challenge completed.",
	OutcomeIncorrect:          "Incorrect flag. Check the challenge and try again.",
	OutcomeMalformed:          "That does not look like a flag. Use the format FLAG{WORD}.",
	OutcomeAlreadySolved:      "You have already completed this challenge.",
	OutcomeRateLimited:        "Too many submissions. Wait a moment before trying again.",
	OutcomePoolExhausted:      "The service is busy. Try again later.",
	OutcomeServiceUnavailable: "The service is temporarily unavailable. Try again later.",
	OutcomeInternalError:      "Something went wrong while checking your flag.",
	OutcomeUnknownChallenge:   "That challenge does not exist.",
	OutcomeChallengeLocked:    "That challenge is not available yet.",
}

// Message returns the user-facing text for the outcome.
func (o Outcome) Message() string {
	if message, ok := outcomeMessages[o]; ok {
		return message
	}
	return outcomeMessages[OutcomeInternalError]
}

// Result is returned for every submission; transport code never sees a raw error.
type Result struct {
	Outcome    Outcome       `json:"outcome"`
	Message    string        `json:"message"`
	Elapsed    time.Duration `json:"-"`
	RetryAfter time.Duration `json:"-"`
	Points     int           `json:"points,omitempty"`
	FirstBlood bool          `json:"first_blood,omitempty"`
	// AvailableAt is set for challenge_locked.
	AvailableAt time.Time `json:"-"`
}

func newResult(outcome Outcome) Result {
	return Result{Outcome: outcome, Message: outcome.Message()}
}

// SolveEvent is published after a submission creates a solve.
type SolveEvent struct {
	UserID      string    `json:"user_id"`
	ChallengeID string    `json:"challenge_id"`
	Points      int       `json:"points"`
	FirstBlood  bool      `json:"first_blood"`
	SolvedAt    time.Time `json:"solved_at"`
}

// SolvePublisher receives solve events. Implementations must not block.
type SolvePublisher interface {
	PublishSolve(event SolveEvent)
}

// Observer receives one call per submission.
type Observer interface {
	ObserveSubmission(outcome Outcome, elapsed time.Duration)
}

// Publishers fans a solve out to every non-nil publisher in order.
type Publishers []SolvePublisher

// PublishSolve implements SolvePublisher.
func (p Publishers) PublishSolve(event SolveEvent) {
	for _, publisher := range p {
		if publisher != nil {
			publisher.PublishSolve(event)
		}
	}
}
