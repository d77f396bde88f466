package preflight

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"streamrelay/internal/config"
	"streamrelay/internal/database"
	"streamrelay/internal/questions"
	"streamrelay/internal/streamlog"
)

const checkTimeout = 5 * time.Second

// CheckResult represents the result of a preflight check
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "warning"
	Message string
	Error   error
}

// Checker performs pre-flight checks before the server starts
type Checker struct {
	cfg   *config.Config
	log   streamlog.Log
	store questions.Store
	db    *database.DB // nil unless QUESTION_STORE=sql
}

// NewChecker creates a new preflight checker
func NewChecker(cfg *config.Config, log streamlog.Log, store questions.Store, db *database.DB) *Checker {
	return &Checker{cfg: cfg, log: log, store: store, db: db}
}

// RunAll runs all preflight checks and returns results
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	log.Println("🔍 Running pre-flight checks...")

	results := []CheckResult{
		c.checkStreamLog(ctx),
		c.checkQuestionStore(ctx),
	}
	if c.db != nil {
		results = append(results, c.checkDatabaseSchema(ctx))
	}
	results = append(results, c.checkEnvironment())

	passed, failed, warnings := 0, 0, 0
	for _, result := range results {
		switch result.Status {
		case "pass":
			log.Printf("   ✅ %s: %s", result.Name, result.Message)
			passed++
		case "fail":
			log.Printf("   ❌ %s: %s", result.Name, result.Message)
			if result.Error != nil {
				log.Printf("      Error: %v", result.Error)
			}
			failed++
		case "warning":
			log.Printf("   ⚠️  %s: %s", result.Name, result.Message)
			warnings++
		}
	}

	log.Printf("📊 Pre-flight summary: %d passed, %d failed, %d warnings", passed, failed, warnings)

	return results
}

// HasFailures returns true if any check failed
func HasFailures(results []CheckResult) bool {
	for _, result := range results {
		if result.Status == "fail" {
			return true
		}
	}
	return false
}

// checkStreamLog reads the head of the base stream
func (c *Checker) checkStreamLog(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	last, err := c.log.LastID(ctx, c.cfg.StreamName)
	if err != nil {
		return CheckResult{
			Name:    "Stream Log",
			Status:  "fail",
			Message: "Cannot read from the stream log",
			Error:   err,
		}
	}

	return CheckResult{
		Name:    "Stream Log",
		Status:  "pass",
		Message: fmt.Sprintf("%s backend reachable (last id on %s: %s)", c.cfg.LogBackend, c.cfg.StreamName, last),
	}
}

// checkQuestionStore looks up an id that cannot exist
func (c *Checker) checkQuestionStore(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	_, err := c.store.Get(ctx, "preflight-check")
	if err != nil && !errors.Is(err, questions.ErrNotFound) {
		return CheckResult{
			Name:    "Question Store",
			Status:  "fail",
			Message: "Cannot query the question store",
			Error:   err,
		}
	}

	return CheckResult{
		Name:    "Question Store",
		Status:  "pass",
		Message: fmt.Sprintf("%s store reachable", c.cfg.QuestionStore),
	}
}

// checkDatabaseSchema verifies the questions table exists
func (c *Checker) checkDatabaseSchema(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var count int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM questions").Scan(&count); err != nil {
		return CheckResult{
			Name:    "Database Schema",
			Status:  "fail",
			Message: "Required table 'questions' not found",
			Error:   err,
		}
	}

	return CheckResult{
		Name:    "Database Schema",
		Status:  "pass",
		Message: fmt.Sprintf("questions table present (%d records, %s)", count, c.db.Driver),
	}
}

// checkEnvironment flags settings that work but are unsafe in production
func (c *Checker) checkEnvironment() CheckResult {
	if !c.cfg.IsProduction() {
		return CheckResult{
			Name:    "Environment",
			Status:  "pass",
			Message: fmt.Sprintf("Running in %s mode", c.cfg.Environment),
		}
	}

	var concerns []string
	if c.cfg.JWTSecret == "" {
		concerns = append(concerns, "JWT_SECRET unset, streams keyed by connection")
	}
	if c.cfg.LogBackend == "memory" {
		concerns = append(concerns, "in-process stream log")
	}
	if c.cfg.Producer == "echo" {
		concerns = append(concerns, "echo producer")
	}
	if c.cfg.RelayBlock == 0 {
		concerns = append(concerns, "RELAY_BLOCK=0 delays disconnect detection until the next entry")
	}

	if len(concerns) > 0 {
		return CheckResult{
			Name:    "Environment",
			Status:  "warning",
			Message: strings.Join(concerns, "; "),
		}
	}

	return CheckResult{
		Name:    "Environment",
		Status:  "pass",
		Message: "Production settings look complete",
	}
}
