package rag

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"regdoc-rag/internal/helper"
	"regdoc-rag/internal/models"
)

// Session is one conversation. It is owned by the caller and only grows;
// start a new session to forget the history.
type Session struct {
	ID      string
	Started time.Time

	mu    sync.Mutex
	turns []models.Turn
	now   func() time.Time
}

func NewSession() (*Session, error) {
	id, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return &Session{ID: id, Started: time.Now(), now: time.Now}, nil
}

func (s *Session) Append(answer models.Answer) models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	turn := models.Turn{Question: answer.Question, Answer: answer, At: now()}
	s.turns = append(s.turns, turn)
	return turn
}

// Turns returns a copy of the history, oldest first.
func (s *Session) Turns() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.turns...)
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// SaveLog writes the conversation as a plain-text log.
func (s *Session) SaveLog(path string) error {
	if err := helper.CreateFolder(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "Conversation Log %s\n", s.ID)
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)
	for i, t := range s.Turns() {
		fmt.Fprintf(w, "Turn %d:\n", i+1)
		fmt.Fprintf(w, "Q: %s\n", t.Question)
		fmt.Fprintf(w, "A: %s\n", t.Answer.Text)
		fmt.Fprintf(w, "Confidence: %s\n", t.Answer.Confidence)
		fmt.Fprintf(w, "Sources: %d\n", len(t.Answer.Sources))
		fmt.Fprintln(w, strings.Repeat("-", 30))
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	return f.Close()
}
