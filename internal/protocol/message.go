package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies one frame on the wire. The numeric values are part
// of the protocol and shared with every client implementation.
type MessageType uint16

// Authentication (0x00XX)
const (
	TypeAuthRequest      MessageType = 0x0001
	TypeAuthResponse     MessageType = 0x0002
	TypeRegisterRequest  MessageType = 0x0003
	TypeRegisterResponse MessageType = 0x0004
	TypeLogout           MessageType = 0x0005
)

// Store browsing (0x01XX)
const (
	TypeGameListRequest    MessageType = 0x0101
	TypeGameListResponse   MessageType = 0x0102
	TypeGameDetailRequest  MessageType = 0x0103
	TypeGameDetailResponse MessageType = 0x0104
	TypeSearchGames        MessageType = 0x0105
)

// Downloads (0x02XX)
const (
	TypeDownloadRequest  MessageType = 0x0201
	TypeDownloadMeta     MessageType = 0x0202
	TypeDownloadChunk    MessageType = 0x0203
	TypeDownloadComplete MessageType = 0x0204
	TypeCheckUpdate      MessageType = 0x0205
	TypeUpdateAvailable  MessageType = 0x0206
)

// Rooms (0x03XX)
const (
	TypeCreateRoom       MessageType = 0x0301
	TypeRoomCreated      MessageType = 0x0302
	TypeJoinRoom         MessageType = 0x0303
	TypeRoomJoined       MessageType = 0x0304
	TypeLeaveRoom        MessageType = 0x0305
	TypeRoomListRequest  MessageType = 0x0306
	TypeRoomListResponse MessageType = 0x0307
	TypeStartGameRequest MessageType = 0x0308
	TypeGameStarted      MessageType = 0x0309
	TypeRoomUpdate       MessageType = 0x030A
)

// Reviews (0x04XX)
const (
	TypeSubmitReview    MessageType = 0x0401
	TypeReviewSubmitted MessageType = 0x0402
	TypeGetReviews      MessageType = 0x0403
	TypeReviewsResponse MessageType = 0x0404
)

// Developer operations (0x05XX)
const (
	TypeUploadStart     MessageType = 0x0501
	TypeUploadReady     MessageType = 0x0502
	TypeUploadChunk     MessageType = 0x0503
	TypeUploadComplete  MessageType = 0x0504
	TypeUploadSuccess   MessageType = 0x0505
	TypeUpdateGame      MessageType = 0x0506
	TypeUpdateSuccess   MessageType = 0x0507
	TypeRemoveGame      MessageType = 0x0508
	TypeRemoveSuccess   MessageType = 0x0509
	TypeMyGamesRequest  MessageType = 0x050A
	TypeMyGamesResponse MessageType = 0x050B
)

// Plugins (0x06XX): tag space reserved, no server handlers.
const (
	TypePluginListRequest  MessageType = 0x0601
	TypePluginListResponse MessageType = 0x0602
	TypePluginDownload     MessageType = 0x0603
	TypePluginMessage      MessageType = 0x0604
)

// Generic
const (
	TypeError     MessageType = 0x00FF
	TypeSuccess   MessageType = 0x00FE
	TypeHeartbeat MessageType = 0x00FD
)

var typeNames = map[MessageType]string{
	TypeAuthRequest:        "AUTH_REQUEST",
	TypeAuthResponse:       "AUTH_RESPONSE",
	TypeRegisterRequest:    "REGISTER_REQUEST",
	TypeRegisterResponse:   "REGISTER_RESPONSE",
	TypeLogout:             "LOGOUT",
	TypeGameListRequest:    "GAME_LIST_REQUEST",
	TypeGameListResponse:   "GAME_LIST_RESPONSE",
	TypeGameDetailRequest:  "GAME_DETAIL_REQUEST",
	TypeGameDetailResponse: "GAME_DETAIL_RESPONSE",
	TypeSearchGames:        "SEARCH_GAMES",
	TypeDownloadRequest:    "DOWNLOAD_REQUEST",
	TypeDownloadMeta:       "DOWNLOAD_META",
	TypeDownloadChunk:      "DOWNLOAD_CHUNK",
	TypeDownloadComplete:   "DOWNLOAD_COMPLETE",
	TypeCheckUpdate:        "CHECK_UPDATE",
	TypeUpdateAvailable:    "UPDATE_AVAILABLE",
	TypeCreateRoom:         "CREATE_ROOM",
	TypeRoomCreated:        "ROOM_CREATED",
	TypeJoinRoom:           "JOIN_ROOM",
	TypeRoomJoined:         "ROOM_JOINED",
	TypeLeaveRoom:          "LEAVE_ROOM",
	TypeRoomListRequest:    "ROOM_LIST_REQUEST",
	TypeRoomListResponse:   "ROOM_LIST_RESPONSE",
	TypeStartGameRequest:   "START_GAME_REQUEST",
	TypeGameStarted:        "GAME_STARTED",
	TypeRoomUpdate:         "ROOM_UPDATE",
	TypeSubmitReview:       "SUBMIT_REVIEW",
	TypeReviewSubmitted:    "REVIEW_SUBMITTED",
	TypeGetReviews:         "GET_REVIEWS",
	TypeReviewsResponse:    "REVIEWS_RESPONSE",
	TypeUploadStart:        "UPLOAD_START",
	TypeUploadReady:        "UPLOAD_READY",
	TypeUploadChunk:        "UPLOAD_CHUNK",
	TypeUploadComplete:     "UPLOAD_COMPLETE",
	TypeUploadSuccess:      "UPLOAD_SUCCESS",
	TypeUpdateGame:         "UPDATE_GAME",
	TypeUpdateSuccess:      "UPDATE_SUCCESS",
	TypeRemoveGame:         "REMOVE_GAME",
	TypeRemoveSuccess:      "REMOVE_SUCCESS",
	TypeMyGamesRequest:     "MY_GAMES_REQUEST",
	TypeMyGamesResponse:    "MY_GAMES_RESPONSE",
	TypePluginListRequest:  "PLUGIN_LIST_REQUEST",
	TypePluginListResponse: "PLUGIN_LIST_RESPONSE",
	TypePluginDownload:     "PLUGIN_DOWNLOAD",
	TypePluginMessage:      "PLUGIN_MESSAGE",
	TypeError:              "ERROR",
	TypeSuccess:            "SUCCESS",
	TypeHeartbeat:          "HEARTBEAT",
}

// String returns the protocol name of the tag, or its hex value when the tag
// is outside the known set.
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", uint16(t))
}

// Message is one tagged frame. Body is a JSON object; an empty body is
// equivalent to {}.
type Message struct {
	Type MessageType
	Body json.RawMessage
}

// New builds a message by marshaling payload into the body.
// A nil payload yields an empty JSON object.
func New(t MessageType, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t, Body: json.RawMessage(`{}`)}, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshaling %s body: %w", t, err)
	}
	return Message{Type: t, Body: body}, nil
}

// Decode unmarshals the body into v. An empty body decodes as {}.
func (m Message) Decode(v any) error {
	body := m.Body
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s body: %w", m.Type, err)
	}
	return nil
}

// NewError builds an ERROR message carrying msg and the default error code.
func NewError(msg string) Message {
	body, _ := json.Marshal(ErrorBody{Error: msg, Code: 500})
	return Message{Type: TypeError, Body: body}
}

// NewSuccess builds a SUCCESS message. A nil payload marshals as
// {"success": true}.
func NewSuccess(payload any) (Message, error) {
	if payload == nil {
		payload = SuccessBody{Success: true}
	}
	return New(TypeSuccess, payload)
}
