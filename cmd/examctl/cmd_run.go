package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"oralroom/internal/bootstrap"
	"oralroom/internal/domain"
	"oralroom/internal/transport"
	"oralroom/internal/usecase"
)

var errPlanIncomplete = errors.New("not every question in the plan completed")

type questionResult struct {
	QuestionIndex int          `json:"questionIndex"`
	Stage         domain.Stage `json:"stage"`
	Transcription string       `json:"transcription,omitempty"`
	Error         string       `json:"error,omitempty"`
}

func newRunCmd(c *cli) *cobra.Command {
	var planPath string
	var retries int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the plan's room and answer its questions in order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPlan(planPath)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return c.withServices(cmd, func(_ context.Context, services *bootstrap.Services) error {
				params := transport.JoinParams{
					RoomCode:    p.Room,
					Participant: p.Participant,
					AuthMethod:  domain.AuthMethodName,
				}
				if p.Email != "" {
					params.AuthMethod = domain.AuthMethodGoogle
					params.Email = p.Email
				}
				if err := services.Coordinator.Join(ctx, params); err != nil {
					return err
				}
				defer services.Coordinator.Disconnect()

				results := runPlan(ctx, newQuestionRunner(services, c.log, retries), p)
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				for _, result := range results {
					if result.Stage != domain.StageCompleted {
						return errPlanIncomplete
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "YAML question plan")
	cmd.Flags().IntVar(&retries, "retries", 2, "retries for failed prompt playback, capture and uploads")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

type planRunner interface {
	Run(ctx context.Context, question domain.ServerQuestion, answerFor time.Duration) (usecase.State, error)
}

// runPlan answers the questions in plan order. An interrupted run reports the remaining
// questions without running them.
func runPlan(ctx context.Context, runner planRunner, p plan) []questionResult {
	results := make([]questionResult, 0, len(p.Questions))
	for _, q := range p.Questions {
		result := questionResult{QuestionIndex: q.Index}
		if err := ctx.Err(); err != nil {
			result.Error = err.Error()
			results = append(results, result)
			continue
		}
		state, err := runner.Run(ctx, q.serverQuestion(), p.AnswerFor)
		result.Stage = state.Stage
		result.Transcription = state.Transcription
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}
