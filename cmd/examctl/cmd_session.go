package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"oralroom/internal/bootstrap"
	"oralroom/internal/domain"
	"oralroom/internal/session"
	"oralroom/internal/transport"
)

var (
	errSessionEnded    = errors.New("session ended by the room server")
	errReconnectFailed = errors.New("could not reconnect to the room")
)

type listenOptions struct {
	retries   int
	answerFor time.Duration
	once      bool
}

func (o *listenOptions) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.retries, "retries", 2, "retries for failed prompt playback, capture and uploads")
	cmd.Flags().DurationVar(&o.answerFor, "answer-for", 0, "stop each recording after this long instead of waiting for the time limit")
	cmd.Flags().BoolVar(&o.once, "once", false, "print the connection status and exit instead of answering questions")
}

func newJoinCmd(c *cli) *cobra.Command {
	var params transport.JoinParams
	var opts listenOptions

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and answer the questions it starts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params.AuthMethod = domain.AuthMethodName
			if params.Email != "" {
				params.AuthMethod = domain.AuthMethodGoogle
			}
			return c.listen(cmd, opts, func(ctx context.Context, services *bootstrap.Services) error {
				return services.Coordinator.Join(ctx, params)
			})
		},
	}
	cmd.Flags().StringVar(&params.RoomCode, "room", "", "room code")
	cmd.Flags().StringVar(&params.Participant, "name", "", "participant name")
	cmd.Flags().StringVar(&params.Email, "email", "", "join with a Google account email")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("name")
	opts.bind(cmd)
	return cmd
}

func newReconnectCmd(c *cli) *cobra.Command {
	var opts listenOptions

	cmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Resume the stored session and answer the questions the room starts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.listen(cmd, opts, func(ctx context.Context, services *bootstrap.Services) error {
				return services.Coordinator.Resume(ctx)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

// listen connects, then runs every question the server starts until the session ends or the
// command is interrupted.
func (c *cli) listen(
	cmd *cobra.Command,
	opts listenOptions,
	connect func(ctx context.Context, services *bootstrap.Services) error,
) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	services, err := c.build(ctx)
	if err != nil {
		return err
	}
	defer services.Close()

	questions := make(chan domain.ServerQuestion, 8)
	ended := make(chan error, 1)
	end := func(err error) {
		select {
		case ended <- err:
		default:
		}
	}

	coordinator := services.Coordinator
	subs := []func(){
		subscribe(coordinator, string(domain.MessageQuestionStarted), func(ev session.Event) {
			select {
			case questions <- ev.Question:
			default:
				c.log.Warn().Int("question_index", ev.Question.QuestionIndex).Msg("question queue full; dropped")
			}
		}),
		subscribe(coordinator, session.TopicSessionEnded, func(session.Event) { end(errSessionEnded) }),
		subscribe(coordinator, transport.TopicReconnectFailed, func(session.Event) { end(errReconnectFailed) }),
	}
	defer func() {
		for _, off := range subs {
			off()
		}
	}()

	if err := connect(ctx, services); err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), coordinator.Status()); err != nil {
		return err
	}
	if opts.once {
		coordinator.Disconnect()
		return nil
	}

	runner := newQuestionRunner(services, c.log, opts.retries)
	for {
		select {
		case <-ctx.Done():
			coordinator.Disconnect()
			return nil
		case err := <-ended:
			return err
		case question := <-questions:
			state, err := runner.Run(ctx, question, opts.answerFor)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Error().Err(err).Int("question_index", question.QuestionIndex).Msg("question failed")
				continue
			}
			c.log.Info().
				Int("question_index", question.QuestionIndex).
				Str("stage", string(state.Stage)).
				Str("transcription", state.Transcription).
				Msg("question finished")
		}
	}
}

func subscribe(coordinator *session.Coordinator, topic string, handler func(session.Event)) func() {
	sub := coordinator.Subscribe(topic, handler)
	return func() { coordinator.Unsubscribe(sub) }
}

func writeJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
