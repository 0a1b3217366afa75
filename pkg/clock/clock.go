// Package clock tracks in-world time per branch as a fractional day count.
// Narrator TIME tags advance it; forks copy it; merges carry it back to the
// parent when the child has actually moved time forward.
package clock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kittclouds/loom/internal/store"
)

// Service reads and writes per-branch clock documents.
type Service struct {
	store store.Storer
}

// NewService creates a clock service over the given store.
func NewService(s store.Storer) *Service {
	return &Service{store: s}
}

// Get returns the branch's clock. A branch with no clock document is at
// day zero.
func (s *Service) Get(branchID string) (store.Clock, error) {
	raw, err := s.store.GetDocument(branchID, store.DocClock)
	if err != nil {
		if err == store.ErrDocumentNotFound {
			return store.Clock{}, nil
		}
		return store.Clock{}, err
	}

	var c store.Clock
	if err := json.Unmarshal(raw, &c); err != nil {
		slog.Warn("unreadable clock document, resetting to day 0", "branch", branchID, "error", err)
		return store.Clock{}, nil
	}
	return c, nil
}

// Advance moves the branch's clock forward by days and returns the new
// value. Non-positive amounts are ignored.
func (s *Service) Advance(branchID string, days float64) (float64, error) {
	c, err := s.Get(branchID)
	if err != nil {
		return 0, err
	}
	if days <= 0 {
		return c.WorldDay, nil
	}

	c.WorldDay += days
	if err := s.put(branchID, c); err != nil {
		return 0, err
	}
	slog.Info("world day advanced", "branch", branchID, "days", days, "worldDay", c.WorldDay)
	return c.WorldDay, nil
}

// Set overwrites the branch's clock with an exact value. Used when a fork
// inherits its parent's reconstructed clock.
func (s *Service) Set(branchID string, day float64) error {
	return s.put(branchID, store.Clock{WorldDay: day})
}

// Copy carries one branch's clock to another. A source still at day zero
// is not copied, so a merge from an untimed child leaves the parent's
// clock alone.
func (s *Service) Copy(fromID, toID string) error {
	c, err := s.Get(fromID)
	if err != nil {
		return err
	}
	if c.WorldDay <= 0 {
		return nil
	}
	return s.Set(toID, c.WorldDay)
}

func (s *Service) put(branchID string, c store.Clock) error {
	c.UpdatedAt = time.Now().UnixMilli()
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal clock: %w", err)
	}
	return s.store.PutDocument(branchID, store.DocClock, raw)
}

// ParseTag parses a TIME tag body like "days:3" or "hours:8" into days.
// Returns 0 when the body is unparseable.
func ParseTag(body string) float64 {
	body = strings.TrimSpace(body)
	if _, after, ok := strings.Cut(body, "days:"); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(after), 64); err == nil {
			return v
		}
		return 0
	}
	if _, after, ok := strings.Cut(body, "hours:"); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(after), 64); err == nil {
			return v / 24
		}
		return 0
	}
	return 0
}
