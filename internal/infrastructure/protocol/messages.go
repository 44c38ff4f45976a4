package protocol

import (
	"encoding/json"

	"segchat/internal/core/domain"
	apperrors "segchat/pkg/errors"
)

// RequestType names one operation of the tracker protocol.
type RequestType string

const (
	RequestRegister        RequestType = "register"
	RequestLogin           RequestType = "login"
	RequestSubmitInfo      RequestType = "submit_info"
	RequestGetList         RequestType = "get_list"
	RequestSyncUpload      RequestType = "sync_upload"
	RequestSyncDownload    RequestType = "sync_download"
	RequestCreateChannel   RequestType = "create_channel"
	RequestGetChannelList  RequestType = "get_channel_list"
	RequestStartLivestream RequestType = "start_livestream"
	RequestStopLivestream  RequestType = "stop_livestream"
	RequestUpdateStatus    RequestType = "update_status"
	RequestDisconnect      RequestType = "disconnect"
	RequestDeleteMessage   RequestType = "delete_message"
)

// Request is the union of every request's fields. Which fields are read
// depends on Type.
type Request struct {
	Type      RequestType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`

	Username  string           `json:"username,omitempty"`
	Password  string           `json:"password,omitempty"`
	Token     string           `json:"token,omitempty"`
	Port      int              `json:"port,omitempty"`
	SessionID domain.SessionID `json:"session_id,omitempty"`
	Visitor   bool             `json:"visitor,omitempty"`
	Invisible bool             `json:"invisible,omitempty"`

	// Online defaults to true when absent from update_status.
	Online *bool `json:"online,omitempty"`

	Channel   string          `json:"channel,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Targets   []string        `json:"targets,omitempty"`
}

// ReplyType separates successful replies from the two error shapes.
type ReplyType string

const (
	ReplyOK         ReplyType = "reply"
	ReplyError      ReplyType = "error"
	ReplyParseError ReplyType = "parse_error"
)

// UnknownRequestID is echoed when a malformed request's id cannot be
// recovered.
const UnknownRequestID = "unknown"

// Reply answers exactly one request on the connection it arrived on.
type Reply struct {
	Type        ReplyType           `json:"type"`
	RequestID   string              `json:"request_id"`
	RequestType RequestType         `json:"request_type,omitempty"`
	OK          bool                `json:"ok"`
	Data        json.RawMessage     `json:"data,omitempty"`
	Error       string              `json:"error,omitempty"`
	Code        apperrors.ErrorCode `json:"code,omitempty"`
}

// Decode unmarshals the reply payload into v.
func (r *Reply) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err turns an error reply back into an AppError carrying the server's code.
func (r *Reply) Err() error {
	if r.OK {
		return nil
	}
	code := r.Code
	if code == "" {
		code = apperrors.ErrCodeProtocol
	}
	return apperrors.NewAppError(code, r.Error)
}

type LoginResult struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
}

type SubmitResult struct {
	Endpoint domain.Endpoint `json:"endpoint"`
	Replaced bool            `json:"replaced"`
}

type LivestreamStatus struct {
	Channel string   `json:"channel"`
	Roster  []string `json:"roster"`
	Primary string   `json:"primary,omitempty"`
	Elected bool     `json:"elected"`
}

type StatusResult struct {
	Updated bool `json:"updated"`
}

type DisconnectResult struct {
	Removed bool     `json:"removed"`
	Left    []string `json:"left,omitempty"`
}

type RegisterResult struct {
	Username string `json:"username"`
}

type DeleteResult struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
}
