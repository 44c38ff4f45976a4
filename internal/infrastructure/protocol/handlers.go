package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"segchat/internal/core/domain"
	apperrors "segchat/pkg/errors"
	"segchat/pkg/validation"

	"github.com/google/uuid"
)

type credentialsPayload struct {
	Username string `json:"username" validate:"required,max=50,username"`
	Password string `json:"password" validate:"required,max=128"`
}

type announcePayload struct {
	Username string `json:"username" validate:"required,max=50,username"`
	Port     int    `json:"port" validate:"min=1,max=65535"`
}

type channelPayload struct {
	Channel string `json:"channel" validate:"required,max=64,channel"`
}

type channelUserPayload struct {
	Channel  string `json:"channel" validate:"required,max=64,channel"`
	Username string `json:"username" validate:"required,max=50,username"`
}

type portPayload struct {
	Port int `json:"port" validate:"min=1,max=65535"`
}

type deletePayload struct {
	Channel   string `json:"channel" validate:"required,max=64,channel"`
	MessageID string `json:"message_id" validate:"required"`
}

func check(v any) error {
	if err := validation.Struct(v); err != nil {
		return apperrors.NewProtocolError(err.Error())
	}
	return nil
}

func (s *Server) handleRegister(ctx context.Context, req *Request) (result, error) {
	if err := check(credentialsPayload{Username: req.Username, Password: req.Password}); err != nil {
		return result{}, err
	}

	err := s.withState(func() error {
		return s.auth.Register(ctx, req.Username, req.Password)
	})
	if err != nil {
		return result{}, err
	}

	s.logger.Infow("user registered", "username", req.Username)
	return result{data: RegisterResult{Username: req.Username}}, nil
}

func (s *Server) handleLogin(ctx context.Context, req *Request) (result, error) {
	if err := check(credentialsPayload{Username: req.Username, Password: req.Password}); err != nil {
		return result{}, err
	}

	ok, err := s.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		return result{}, err
	}
	if !ok {
		return result{data: LoginResult{Success: false}}, nil
	}

	token, err := s.auth.IssueToken(req.Username)
	if err != nil {
		return result{}, apperrors.NewInternalError("issue session token", err)
	}
	return result{data: LoginResult{Success: true, Token: token}}, nil
}

func (s *Server) handleSubmitInfo(ctx context.Context, remote net.Addr, req *Request) (result, error) {
	if err := check(announcePayload{Username: req.Username, Port: req.Port}); err != nil {
		return result{}, err
	}
	if !req.Visitor {
		if req.Password == "" && req.Token == "" {
			return result{}, apperrors.NewAuthError("password or token is required")
		}
		if err := s.auth.Authenticate(ctx, req.Username, req.Password, req.Token); err != nil {
			return result{}, err
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = domain.SessionID(uuid.NewString())
	}
	rec := domain.PeerRecord{
		Endpoint:  domain.Endpoint{Host: hostOf(remote), Port: req.Port},
		Username:  req.Username,
		SessionID: sessionID,
		Visitor:   req.Visitor,
		Invisible: req.Invisible,
		Online:    true,
	}

	var (
		replaced bool
		known    int
	)
	_ = s.withState(func() error {
		_, replaced = s.tracker.Get(rec.Endpoint)
		s.tracker.Upsert(rec)
		known = s.tracker.Len()
		return nil
	})

	s.metrics.SetPeersKnown(known)
	s.logger.Infow("peer announced",
		"endpoint", rec.Endpoint.String(),
		"username", rec.Username,
		"visitor", rec.Visitor,
		"invisible", rec.Invisible,
		"replaced", replaced,
	)
	return result{data: SubmitResult{Endpoint: rec.Endpoint, Replaced: replaced}}, nil
}

func (s *Server) handleSyncUpload(ctx context.Context, req *Request) (result, error) {
	if err := check(channelPayload{Channel: req.Channel}); err != nil {
		return result{}, err
	}
	if req.Message == nil || strings.TrimSpace(req.Message.Body) == "" {
		return result{}, apperrors.NewProtocolError("message is required")
	}

	msg := req.Message.Clone()
	if msg.Sender == "" {
		msg.Sender = req.Username
	}

	var (
		stored  *domain.Message
		created bool
	)
	err := s.withState(func() (err error) {
		stored, created, err = s.channels.Append(ctx, req.Channel, msg)
		return err
	})
	if err != nil {
		return result{}, err
	}
	if !created {
		// Already in the log, so peers have been told about it.
		return result{data: stored}, nil
	}

	return result{
		data: stored,
		notify: []*domain.Notification{{
			Type:    domain.NotificationMessage,
			Channel: req.Channel,
			Message: stored,
		}},
	}, nil
}

func (s *Server) handleSyncDownload(ctx context.Context, req *Request) (result, error) {
	if err := check(channelPayload{Channel: req.Channel}); err != nil {
		return result{}, err
	}

	history, err := s.channels.History(ctx, req.Channel)
	if errors.Is(err, domain.ErrChannelNotFound) {
		history, err = nil, nil
	}
	if err != nil {
		return result{}, err
	}
	if history == nil {
		history = []*domain.Message{}
	}
	return result{data: history}, nil
}

func (s *Server) handleCreateChannel(ctx context.Context, req *Request) (result, error) {
	if err := check(channelUserPayload{Channel: req.Channel, Username: req.Username}); err != nil {
		return result{}, err
	}

	var ch *domain.Channel
	err := s.withState(func() (err error) {
		ch, err = s.channels.Create(ctx, req.Channel, req.Username)
		return err
	})
	if err != nil {
		return result{}, err
	}

	s.logger.Infow("channel created", "channel", ch.Name, "creator", ch.Creator)
	return result{
		data: ch,
		notify: []*domain.Notification{{
			Type:     domain.NotificationChannelCreation,
			Channel:  ch.Name,
			Username: ch.Creator,
			Text:     fmt.Sprintf("%s created channel %s", ch.Creator, ch.Name),
		}},
	}, nil
}

func (s *Server) handleStartLivestream(req *Request) (result, error) {
	if err := check(channelUserPayload{Channel: req.Channel, Username: req.Username}); err != nil {
		return result{}, err
	}

	var (
		change domain.RosterChange
		active int
	)
	_ = s.withState(func() error {
		change = s.streams.Join(req.Channel, req.Username)
		active = len(s.streams.ActiveChannels())
		return nil
	})

	s.metrics.SetActiveLivestreams(active)

	var notes []*domain.Notification
	if change.Changed {
		notes = append(notes, &domain.Notification{
			Type:     domain.NotificationLivestreamStart,
			Channel:  change.Channel,
			Username: change.Username,
			Primary:  change.Primary,
			Targets:  req.Targets,
			Text:     fmt.Sprintf("%s started livestream in %s", change.Username, change.Channel),
		})
	}
	notes = append(notes, electionNotice(change)...)

	return result{data: statusOf(change), notify: notes}, nil
}

func (s *Server) handleStopLivestream(req *Request) (result, error) {
	if err := check(channelUserPayload{Channel: req.Channel, Username: req.Username}); err != nil {
		return result{}, err
	}

	var (
		change domain.RosterChange
		active int
	)
	_ = s.withState(func() error {
		change = s.streams.Leave(req.Channel, req.Username)
		active = len(s.streams.ActiveChannels())
		return nil
	})

	if !change.Changed {
		return result{}, apperrors.NewStateError(fmt.Sprintf("%s is not streaming in %s", req.Username, req.Channel))
	}
	s.metrics.SetActiveLivestreams(active)

	return result{data: statusOf(change), notify: stopNotices(change)}, nil
}

func (s *Server) handleUpdateStatus(remote net.Addr, req *Request) (result, error) {
	if err := check(portPayload{Port: req.Port}); err != nil {
		return result{}, err
	}

	online := true
	if req.Online != nil {
		online = *req.Online
	}
	ep := domain.Endpoint{Host: hostOf(remote), Port: req.Port}

	var updated bool
	_ = s.withState(func() error {
		updated = s.tracker.UpdateStatus(ep, online, req.Invisible)
		return nil
	})

	return result{data: StatusResult{Updated: updated}}, nil
}

func (s *Server) handleDisconnect(remote net.Addr, req *Request) (result, error) {
	if err := check(portPayload{Port: req.Port}); err != nil {
		return result{close: true}, err
	}
	ep := domain.Endpoint{Host: hostOf(remote), Port: req.Port}

	var (
		changes       []domain.RosterChange
		removed       bool
		known, active int
		username      = req.Username
	)
	_ = s.withState(func() error {
		if rec, ok := s.tracker.Get(ep); ok && username == "" {
			username = rec.Username
		}
		if username != "" {
			changes = s.streams.LeaveAll(username)
		}
		removed = s.tracker.Remove(ep)
		known = s.tracker.Len()
		active = len(s.streams.ActiveChannels())
		return nil
	})

	s.metrics.SetPeersKnown(known)
	s.metrics.SetActiveLivestreams(active)

	var notes []*domain.Notification
	left := make([]string, 0, len(changes))
	for _, change := range changes {
		left = append(left, change.Channel)
		notes = append(notes, stopNotices(change)...)
	}

	s.logger.Infow("peer disconnected", "endpoint", ep.String(), "username", username, "removed", removed)
	return result{
		data:   DisconnectResult{Removed: removed, Left: left},
		notify: notes,
		close:  true,
	}, nil
}

func (s *Server) handleDeleteMessage(ctx context.Context, req *Request) (result, error) {
	if err := check(deletePayload{Channel: req.Channel, MessageID: req.MessageID}); err != nil {
		return result{}, err
	}

	err := s.withState(func() error {
		return s.channels.Delete(ctx, req.Channel, req.MessageID)
	})
	if err != nil {
		return result{}, err
	}

	return result{
		data: DeleteResult{Channel: req.Channel, MessageID: req.MessageID},
		notify: []*domain.Notification{{
			Type:      domain.NotificationDelete,
			Channel:   req.Channel,
			MessageID: req.MessageID,
			Username:  req.Username,
		}},
	}, nil
}

func statusOf(change domain.RosterChange) LivestreamStatus {
	return LivestreamStatus{
		Channel: change.Channel,
		Roster:  change.Roster,
		Primary: change.Primary,
		Elected: change.Elected,
	}
}

func stopNotices(change domain.RosterChange) []*domain.Notification {
	notes := []*domain.Notification{{
		Type:     domain.NotificationLivestreamStop,
		Channel:  change.Channel,
		Username: change.Username,
		Primary:  change.Primary,
		Text:     fmt.Sprintf("%s stopped livestream in %s", change.Username, change.Channel),
	}}
	return append(notes, electionNotice(change)...)
}

func electionNotice(change domain.RosterChange) []*domain.Notification {
	if !change.Elected {
		return nil
	}
	return []*domain.Notification{{
		Type:     domain.NotificationLivestreamPrimary,
		Channel:  change.Channel,
		Username: change.Primary,
		Primary:  change.Primary,
		Text:     fmt.Sprintf("%s is now the primary broadcaster in %s", change.Primary, change.Channel),
	}}
}
