package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oralroom/internal/domain"
)

// plan is a scripted exam session for headless runs.
type plan struct {
	Room        string         `yaml:"room"`
	Participant string         `yaml:"participant"`
	Email       string         `yaml:"email"`
	AnswerFor   time.Duration  `yaml:"answerFor"`
	Questions   []planQuestion `yaml:"questions"`
}

type planQuestion struct {
	Index        int            `yaml:"index"`
	Variant      domain.Variant `yaml:"variant"`
	Prompts      []string       `yaml:"prompts"`
	ThinkingTime int            `yaml:"thinkingTime"`
	TimeLimit    int            `yaml:"timeLimit"`
	AllowRepeat  bool           `yaml:"allowRepeat"`
	Partner      string         `yaml:"partner"`
}

func loadPlan(path string) (plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return plan{}, fmt.Errorf("read plan: %w", err)
	}
	return parsePlan(data)
}

func parsePlan(data []byte) (plan, error) {
	var p plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return plan{}, fmt.Errorf("parse plan: %w", err)
	}
	p.Room = strings.TrimSpace(p.Room)
	p.Participant = strings.TrimSpace(p.Participant)
	if err := p.validate(); err != nil {
		return plan{}, err
	}
	return p, nil
}

func (p plan) validate() error {
	var errs []error
	if p.Room == "" {
		errs = append(errs, errors.New("plan: room is required"))
	}
	if p.Participant == "" {
		errs = append(errs, errors.New("plan: participant is required"))
	}
	if len(p.Questions) == 0 {
		errs = append(errs, errors.New("plan: at least one question is required"))
	}

	seen := make(map[int]bool, len(p.Questions))
	for i, q := range p.Questions {
		if seen[q.Index] {
			errs = append(errs, fmt.Errorf("plan: question %d: duplicate index %d", i, q.Index))
		}
		seen[q.Index] = true

		switch q.Variant {
		case "", domain.VariantStandard, domain.VariantConversation, domain.VariantDuo:
		default:
			errs = append(errs, fmt.Errorf("plan: question %d: unknown variant %q", i, q.Variant))
		}
		switch {
		case q.TimeLimit < 0:
			errs = append(errs, fmt.Errorf("plan: question %d: timeLimit must not be negative", i))
		case q.TimeLimit == 0 && (q.Variant != domain.VariantConversation || p.AnswerFor <= 0):
			// only an open-ended conversation stopped by answerFor may omit the limit
			errs = append(errs, fmt.Errorf("plan: question %d: timeLimit must be positive", i))
		}
		if q.ThinkingTime < 0 {
			errs = append(errs, fmt.Errorf("plan: question %d: thinkingTime must not be negative", i))
		}
		if q.Variant == domain.VariantConversation && len(q.Prompts) == 0 {
			errs = append(errs, fmt.Errorf("plan: question %d: a conversation needs prompts", i))
		}
	}
	return errors.Join(errs...)
}

func (q planQuestion) serverQuestion() domain.ServerQuestion {
	return domain.ServerQuestion{
		QuestionIndex: q.Index,
		Variant:       q.Variant,
		Prompts:       append([]string(nil), q.Prompts...),
		ThinkingTime:  q.ThinkingTime,
		TimeLimit:     q.TimeLimit,
		AllowRepeat:   q.AllowRepeat,
		Partner:       q.Partner,
	}
}
