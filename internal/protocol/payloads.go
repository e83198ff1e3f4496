package protocol

import "time"

// Typed frame bodies. Field names are wire format, shared with every client.

// ErrorBody is the body of an ERROR frame.
type ErrorBody struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

// SuccessBody is the default body of a SUCCESS frame.
type SuccessBody struct {
	Success bool `json:"success"`
}

// AuthRequest asks for authentication of an existing account. The same body
// serves players on the lobby port and developers on the developer port.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse reports the outcome of AUTH_REQUEST. On failure only Success
// and Error are set.
type AuthResponse struct {
	Success      bool   `json:"success"`
	UserID       int64  `json:"user_id,omitempty"`
	Username     string `json:"username,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	Error        string `json:"error,omitempty"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

type RegisterResponse struct {
	Success  bool   `json:"success"`
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error,omitempty"`
}

// GameSummary is one row of GAME_LIST_RESPONSE. Rating carries one decimal.
type GameSummary struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Version     string  `json:"version"`
	MinPlayers  int     `json:"min_players"`
	MaxPlayers  int     `json:"max_players"`
	Type        string  `json:"type"`
	Rating      float64 `json:"rating"`
	RatingCount int     `json:"rating_count"`
	Downloads   int64   `json:"downloads"`
}

type GameListResponse struct {
	Games []GameSummary `json:"games"`
}

type GameDetailRequest struct {
	GameID int64 `json:"game_id"`
}

// GameDetail extends GameSummary with the creation time.
type GameDetail struct {
	GameSummary
	CreatedAt time.Time `json:"created_at"`
}

type GameDetailResponse struct {
	Game    GameDetail `json:"game"`
	Reviews []Review   `json:"reviews"`
}

// Review is one review row joined with the reviewer's username.
type Review struct {
	ID        int64     `json:"id"`
	GameID    int64     `json:"game_id"`
	PlayerID  int64     `json:"player_id"`
	Username  string    `json:"username"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DownloadRequest starts a download stream. Version is optional; empty means
// the latest uploaded version.
type DownloadRequest struct {
	GameID  int64  `json:"game_id"`
	Version string `json:"version,omitempty"`
}

// DownloadMeta opens the download stream: one meta frame, then chunks, then
// DOWNLOAD_COMPLETE. An ERROR frame anywhere after meta aborts the stream.
type DownloadMeta struct {
	GameID   int64  `json:"game_id"`
	GameName string `json:"game_name"`
	Version  string `json:"version"`
	FileSize int64  `json:"file_size"`
	Checksum string `json:"checksum"`
}

// DownloadChunk carries at most the configured chunk size of archive bytes,
// hex-encoded.
type DownloadChunk struct {
	Offset int64  `json:"offset"`
	Data   string `json:"data"`
}

type DownloadComplete struct {
	Success   bool  `json:"success"`
	BytesSent int64 `json:"bytes_sent"`
}

type CheckUpdateRequest struct {
	GameID         int64  `json:"game_id"`
	CurrentVersion string `json:"current_version"`
}

type UpdateAvailable struct {
	UpdateAvailable bool   `json:"update_available"`
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version"`
}

type CreateRoomRequest struct {
	GameID     int64  `json:"game_id"`
	Name       string `json:"name"`
	MaxPlayers int    `json:"max_players"`
}

type RoomCreated struct {
	Success  bool   `json:"success"`
	RoomID   int64  `json:"room_id"`
	RoomCode string `json:"room_code"`
	RoomName string `json:"room_name"`
}

type JoinRoomRequest struct {
	RoomID int64 `json:"room_id"`
}

type RoomJoined struct {
	Success bool  `json:"success"`
	RoomID  int64 `json:"room_id"`
}

type LeaveRoomRequest struct {
	RoomID int64 `json:"room_id"`
}

// LeftRoom is the SUCCESS body of LEAVE_ROOM.
type LeftRoom struct {
	Left bool `json:"left"`
}

// RoomSummary is one row of ROOM_LIST_RESPONSE, joined with the game name
// and the host's username.
type RoomSummary struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	RoomCode       string `json:"room_code"`
	GameID         int64  `json:"game_id"`
	GameName       string `json:"game_name"`
	HostName       string `json:"host_name"`
	CurrentPlayers int    `json:"current_players"`
	MaxPlayers     int    `json:"max_players"`
	Status         string `json:"status"`
}

type RoomListResponse struct {
	Rooms []RoomSummary `json:"rooms"`
}

type StartGameRequest struct {
	RoomID int64 `json:"room_id"`
}

// GameStarted is the unsolicited notification sent to every room member once
// the game server child is up.
type GameStarted struct {
	RoomID   int64  `json:"room_id"`
	GamePort int    `json:"game_port"`
	GameName string `json:"game_name"`
}

// StartGameResult is the SUCCESS body returned to the host after the
// GAME_STARTED broadcast.
type StartGameResult struct {
	GamePort int   `json:"game_port"`
	RoomID   int64 `json:"room_id"`
}

// RoomUpdate is the unsolicited membership notification sent to every member
// whose session is open.
type RoomUpdate struct {
	RoomID         int64    `json:"room_id"`
	CurrentPlayers int      `json:"current_players"`
	Players        []string `json:"players"`
}

type SubmitReviewRequest struct {
	GameID  int64  `json:"game_id"`
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type ReviewSubmitted struct {
	Success bool `json:"success"`
}

type GetReviewsRequest struct {
	GameID int64 `json:"game_id"`
	Limit  int   `json:"limit,omitempty"`
}

type ReviewsResponse struct {
	Reviews []Review `json:"reviews"`
}

// UploadStartRequest opens a new-game upload. FileSize and Checksum describe
// the zip archive the chunks will reassemble.
type UploadStartRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	MinPlayers  int    `json:"min_players"`
	MaxPlayers  int    `json:"max_players"`
	GameType    string `json:"game_type"`
	FileSize    int64  `json:"file_size"`
	Checksum    string `json:"checksum"`
}

type UploadReady struct {
	Ready        bool  `json:"ready"`
	ExpectedSize int64 `json:"expected_size"`
}

type UploadChunk struct {
	Offset int64  `json:"offset"`
	Data   string `json:"data"`
}

// UploadAck is the SUCCESS body acknowledging one upload chunk. Progress is
// a percentage with one decimal.
type UploadAck struct {
	Received int64   `json:"received"`
	Progress float64 `json:"progress"`
}

type UploadSuccess struct {
	Success bool   `json:"success"`
	GameID  int64  `json:"game_id"`
	Message string `json:"message"`
}

// UpdateGameRequest opens an upload bound to an existing game owned by the
// authenticated developer.
type UpdateGameRequest struct {
	GameID     int64  `json:"game_id"`
	NewVersion string `json:"new_version"`
	Changelog  string `json:"changelog"`
	FileSize   int64  `json:"file_size"`
	Checksum   string `json:"checksum"`
}

type RemoveGameRequest struct {
	GameID int64 `json:"game_id"`
}

type RemoveSuccess struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// OwnedGame is one row of MY_GAMES_RESPONSE.
type OwnedGame struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Version     string  `json:"version"`
	Status      string  `json:"status"`
	Downloads   int64   `json:"downloads"`
	Rating      float64 `json:"rating"`
}

type MyGamesResponse struct {
	Games []OwnedGame `json:"games"`
}
