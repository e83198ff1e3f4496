package developer

import (
	"fmt"
	"math"
	"os"
)

// upload is one in-flight archive transfer. A connection carries at most
// one; any error during the transfer tears it down and deletes the partial
// file.
type upload struct {
	update bool
	gameID int64

	name        string
	description string
	version     string
	minPlayers  int
	maxPlayers  int
	gameType    string
	changelog   string

	fileSize int64
	checksum string

	path     string
	sink     *os.File
	received int64
}

// write appends one decoded chunk to the sink. A chunk pushing the total
// past the declared size is refused before anything is written.
func (u *upload) write(data []byte) error {
	if u.received+int64(len(data)) > u.fileSize {
		return fmt.Errorf("chunk exceeds declared size %d", u.fileSize)
	}
	if _, err := u.sink.Write(data); err != nil {
		return err
	}
	u.received += int64(len(data))
	return nil
}

// progress is the percentage received, with one decimal.
func (u *upload) progress() float64 {
	return math.Round(float64(u.received)/float64(u.fileSize)*1000) / 10
}

// close flushes and closes the sink, keeping the file for finalization.
func (u *upload) close() error {
	if u.sink == nil {
		return nil
	}
	err := u.sink.Close()
	u.sink = nil
	return err
}

// discard closes the sink and deletes the partial file.
func (u *upload) discard() {
	if u.sink != nil {
		u.sink.Close()
		u.sink = nil
	}
	os.Remove(u.path)
}

// abortUpload tears down the connection's in-flight transfer, if any.
func (c *Client) abortUpload() {
	if c.upload == nil {
		return
	}
	c.upload.discard()
	c.upload = nil
}
