package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"proposal-submission-api/middleware"
	"proposal-submission-api/monitor"
	"proposal-submission-api/services"
	"proposal-submission-api/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultPollInterval   = time.Second
	defaultAuthTimeout    = time.Minute
	progressWriteTimeout  = 10 * time.Second
	notAuthenticatedError = "You are not authenticated. Send a valid access token (as obtained from /token) as the first message."
)

var errClientGone = errors.New("client closed the connection")

// ProgressStreamController streams the progress of a submission over a WebSocket
// connection until the submission has finished.
type ProgressStreamController struct {
	tokens       middleware.TokenValidator
	progress     services.ProgressReader
	hub          *services.ProgressHub
	pollInterval time.Duration
	authTimeout  time.Duration
	upgrader     websocket.Upgrader
}

type ProgressStreamOption func(*ProgressStreamController)

// WithPollInterval sets the time between two reads of the submission progress.
func WithPollInterval(interval time.Duration) ProgressStreamOption {
	return func(ctl *ProgressStreamController) {
		if interval > 0 {
			ctl.pollInterval = interval
		}
	}
}

// WithAuthTimeout sets how long a client may take to send its access token.
func WithAuthTimeout(timeout time.Duration) ProgressStreamOption {
	return func(ctl *ProgressStreamController) {
		if timeout > 0 {
			ctl.authTimeout = timeout
		}
	}
}

// WithCheckOrigin replaces the check of the Origin header of upgrade requests.
func WithCheckOrigin(check func(r *http.Request) bool) ProgressStreamOption {
	return func(ctl *ProgressStreamController) {
		ctl.upgrader.CheckOrigin = check
	}
}

func NewProgressStreamController(tokens middleware.TokenValidator, progress services.ProgressReader, hub *services.ProgressHub, opts ...ProgressStreamOption) *ProgressStreamController {
	ctl := &ProgressStreamController{
		tokens:       tokens,
		progress:     progress,
		hub:          hub,
		pollInterval: defaultPollInterval,
		authTimeout:  defaultAuthTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// sessionClose ends a session with a close frame after an optional text message.
type sessionClose struct {
	code    int
	message string
}

func (s *sessionClose) Error() string {
	return fmt.Sprintf("close %d: %s", s.code, s.message)
}

func policyViolation(format string, args ...interface{}) *sessionClose {
	return &sessionClose{code: websocket.ClosePolicyViolation, message: fmt.Sprintf(format, args...)}
}

// StreamProgress handles GET /submissions/:identifier/progress/ws.
func (ctl *ProgressStreamController) StreamProgress(c *gin.Context) {
	identifier := c.Param("identifier")
	fromEntryNumber, fromErr := utils.ParsePositiveInt(c.Query("from-entry-number"), 1)

	conn, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		log.Warn().Err(err).Str("submission", identifier).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	defer monitor.ProgressSessionOpened()()

	logger := log.With().Str("submission", identifier).Str("client_ip", c.ClientIP()).Logger()
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	s := &progressSession{
		ctl:             ctl,
		conn:            conn,
		identifier:      identifier,
		fromEntryNumber: fromEntryNumber,
		fromErr:         fromErr,
		logger:          logger,
	}
	err = s.run(ctx, cancel)

	var closing *sessionClose
	switch {
	case err == nil:
		s.close(websocket.CloseNormalClosure, "")
	case errors.As(err, &closing):
		logger.Info().Int("code", closing.code).Str("reason", closing.message).Msg("progress session rejected")
		s.sendText(closing.message)
		s.close(closing.code, "")
	case ctx.Err() != nil, errors.Is(err, errClientGone):
		logger.Debug().Msg("progress session ended by client")
	default:
		logger.Error().Err(err).Msg("progress session failed")
		s.sendText("The submission progress could not be read.")
		s.close(websocket.CloseInternalServerErr, "")
	}
}

type progressSession struct {
	ctl             *ProgressStreamController
	conn            *websocket.Conn
	identifier      string
	fromEntryNumber int
	fromErr         error
	logger          zerolog.Logger
}

// run authenticates the client and sends progress messages until the submission is
// finished. It returns nil after the final message has been sent.
func (s *progressSession) run(ctx context.Context, cancel context.CancelFunc) error {
	token, err := s.readToken()
	if err != nil {
		return err
	}
	// From now on the client is not expected to send anything. Reading detects a closed
	// connection and processes control frames.
	go s.watchClient(cancel)

	user, err := s.ctl.tokens.UserFromToken(ctx, token)
	if err != nil {
		if errors.Is(err, services.ErrInvalidToken) {
			return policyViolation(notAuthenticatedError)
		}
		return fmt.Errorf("authenticate: %w", err)
	}

	if s.fromErr != nil {
		return policyViolation("The from-entry-number parameter must be a positive integer.")
	}

	submission, err := s.ctl.progress.Get(ctx, s.identifier)
	if err != nil {
		if errors.Is(err, services.ErrSubmissionNotFound) {
			return policyViolation("There exists no submission with identifier %s.", s.identifier)
		}
		return err
	}
	if !isSubmitter(*user, submission) {
		return policyViolation("The submission was made by someone else. You can only view the progress of your own submissions.")
	}

	cursor, err := services.NewProgressCursor(s.ctl.progress, s.identifier, s.fromEntryNumber)
	if err != nil {
		return policyViolation("%v", err)
	}

	var wake <-chan struct{}
	if s.ctl.hub != nil {
		ch, unsubscribe := s.ctl.hub.Subscribe(s.identifier)
		defer unsubscribe()
		wake = ch
	}

	for {
		msg, err := cursor.Next(ctx)
		if err != nil {
			return err
		}
		if err := s.send(msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("send progress: %w", err)
		}
		if msg.Terminal() {
			return nil
		}

		timer := time.NewTimer(s.ctl.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *progressSession) readToken() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.ctl.authTimeout)); err != nil {
		return "", err
	}
	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", policyViolation(notAuthenticatedError)
		}
		return "", fmt.Errorf("%w: %v", errClientGone, err)
	}
	if messageType != websocket.TextMessage {
		return "", policyViolation(notAuthenticatedError)
	}
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *progressSession) watchClient(cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *progressSession) send(msg *services.ProgressMessage) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(progressWriteTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return err
	}
	monitor.RecordProgressMessage()
	return nil
}

func (s *progressSession) sendText(text string) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(progressWriteTimeout)); err != nil {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		s.logger.Debug().Err(err).Msg("failed to send message")
	}
}

func (s *progressSession) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(progressWriteTimeout)); err != nil {
		s.logger.Debug().Err(err).Msg("failed to send close frame")
	}
}
