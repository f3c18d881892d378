package model

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

var ValidJobStatuses = []JobStatus{
	JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed,
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	for _, v := range ValidJobStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Artifact kinds produced by the transcription pipeline
type ArtifactKind string

const (
	ArtifactMusicXML ArtifactKind = "musicxml"
	ArtifactMIDI     ArtifactKind = "midi"
	// ArtifactAudio is the separated drum track the notation was derived from.
	ArtifactAudio ArtifactKind = "audio"
)

var ValidArtifactKinds = []ArtifactKind{ArtifactMusicXML, ArtifactMIDI, ArtifactAudio}

// ContentType returns the MIME type served for the artifact.
func (k ArtifactKind) ContentType() string {
	switch k {
	case ArtifactMIDI:
		return "audio/midi"
	case ArtifactAudio:
		return "audio/wav"
	default:
		return "application/vnd.recordare.musicxml+xml"
	}
}

// Extension returns the file extension, including the dot.
func (k ArtifactKind) Extension() string {
	switch k {
	case ArtifactMIDI:
		return ".mid"
	case ArtifactAudio:
		return ".drums.wav"
	default:
		return ".musicxml"
	}
}

// ParseArtifactKind maps a download format string to a kind. Empty means the primary artifact.
func ParseArtifactKind(s string) (ArtifactKind, bool) {
	switch s {
	case "", "musicxml", "xml":
		return ArtifactMusicXML, true
	case "midi", "mid":
		return ArtifactMIDI, true
	case "audio", "drums", "wav":
		return ArtifactAudio, true
	}
	return "", false
}

// Job error codes
const (
	ErrorCodePipelineFailed = "PIPELINE_FAILED"
	ErrorCodeEnqueueFailed  = "ENQUEUE_FAILED"
	ErrorCodeInvalidInput   = "INVALID_INPUT"
)
