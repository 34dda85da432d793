package protocol

import "time"

// SpeakChunksRequest asks the speech service on the bus for chunked audio.
// Replies carry either a manifest or an ErrorReply.
type SpeakChunksRequest struct {
	Text         string `json:"text"`
	Voice        string `json:"voice,omitempty"`
	Language     string `json:"language,omitempty"`
	MaxChars     int    `json:"max_chars,omitempty"`
	MaxSentences int    `json:"max_sentences,omitempty"`
}

// ChunksReady is broadcast once a session's chunks are fetchable.
type ChunksReady struct {
	SessionID   string    `json:"session_id"`
	ChunkCount  int       `json:"chunk_count"`
	FailedCount int       `json:"failed_count,omitempty"`
	URLs        []string  `json:"urls"`
	Timestamp   time.Time `json:"timestamp"`
}

type ErrorReply struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons,omitempty"`
}

const (
	SubjectSpeakChunks = "tts.speak.chunks"
	SubjectChunksReady = "tts.chunks.ready"
)
