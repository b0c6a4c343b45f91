package app

import "errors"

var (
	ErrEmptyPrompt           = errors.New("prompt is empty")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrNotConversationOwner  = errors.New("conversation belongs to another user")
	ErrTranscriptionNotFound = errors.New("transcription not found")
	ErrAudioTooLarge         = errors.New("audio exceeds the size limit")
	ErrUploadsDisabled       = errors.New("audio uploads are not configured")
)
