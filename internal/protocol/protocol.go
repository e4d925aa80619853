package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Represents the kind of a wire message
type MessageType string

const (
	// Server to joining connection: current text (and file list)
	MessageInit MessageType = "init"

	// Client to server, then server to every other connection
	MessageUpdate MessageType = "update"

	// Server to all: live participant count
	MessageUsers MessageType = "users"

	// File became available in the room
	MessageFile MessageType = "file"

	// File was removed from the room
	MessageDelete MessageType = "delete"
)

var ErrMalformed = errors.New("malformed message")

// Message is the envelope shared by every frame.
// Code is a pointer so an update without a buffer can be told apart from an empty one.
type Message struct {
	Type     MessageType `json:"type"`
	Code     *string     `json:"code,omitempty"`
	Users    *int        `json:"users,omitempty"`
	Filename string      `json:"filename,omitempty"`
	Files    []string    `json:"files,omitempty"`
}

// Parse decodes an inbound client frame. Only update, file and delete are
// accepted from clients; anything else is ErrMalformed.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch m.Type {
	case MessageUpdate:
		if m.Code == nil {
			return Message{}, fmt.Errorf("%w: update without code", ErrMalformed)
		}
	case MessageFile, MessageDelete:
		if m.Filename == "" {
			return Message{}, fmt.Errorf("%w: %s without filename", ErrMalformed, m.Type)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return m, nil
}

// Init is sent once to a joining connection. files is always encoded, even when empty.
func Init(text string, files []string) []byte {
	if files == nil {
		files = []string{}
	}
	return encode(struct {
		Type  MessageType `json:"type"`
		Code  string      `json:"code"`
		Files []string    `json:"files"`
	}{MessageInit, text, files})
}

func Update(text string) []byte {
	return encode(struct {
		Type MessageType `json:"type"`
		Code string      `json:"code"`
	}{MessageUpdate, text})
}

func Users(count int) []byte {
	return encode(struct {
		Type  MessageType `json:"type"`
		Users int         `json:"users"`
	}{MessageUsers, count})
}

func File(filename string) []byte {
	return encode(struct {
		Type     MessageType `json:"type"`
		Filename string      `json:"filename"`
	}{MessageFile, filename})
}

func Delete(filename string) []byte {
	return encode(struct {
		Type     MessageType `json:"type"`
		Filename string      `json:"filename"`
	}{MessageDelete, filename})
}

func encode(v any) []byte {
	// Only strings, ints and string slices go through here.
	b, _ := json.Marshal(v)
	return b
}
