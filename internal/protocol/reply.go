package protocol

// ExpectedReply maps each request tag to the reply tag the server answers it
// with on the success path. Clients correlate by this mapping first and fall
// back to the generic SUCCESS/ERROR for the earliest pending request.
// DOWNLOAD_REQUEST is absent: its reply is a stream handled separately.
var ExpectedReply = map[MessageType]MessageType{
	TypeAuthRequest:       TypeAuthResponse,
	TypeRegisterRequest:   TypeRegisterResponse,
	TypeLogout:            TypeSuccess,
	TypeGameListRequest:   TypeGameListResponse,
	TypeGameDetailRequest: TypeGameDetailResponse,
	TypeCheckUpdate:       TypeUpdateAvailable,
	TypeCreateRoom:        TypeRoomCreated,
	TypeJoinRoom:          TypeRoomJoined,
	TypeLeaveRoom:         TypeSuccess,
	TypeRoomListRequest:   TypeRoomListResponse,
	TypeStartGameRequest:  TypeSuccess,
	TypeSubmitReview:      TypeReviewSubmitted,
	TypeGetReviews:        TypeReviewsResponse,
	TypeUploadStart:       TypeUploadReady,
	TypeUploadChunk:       TypeSuccess,
	TypeUploadComplete:    TypeUploadSuccess,
	TypeUpdateGame:        TypeUploadReady,
	TypeRemoveGame:        TypeRemoveSuccess,
	TypeMyGamesRequest:    TypeMyGamesResponse,
	TypeHeartbeat:         TypeSuccess,
}
