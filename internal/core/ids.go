package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Entity identifiers are time-ordered UUIDv7 values rendered with a short
// human-readable prefix, e.g. "run_018f3b8e-...". Parsing accepts both the
// prefixed form and the bare UUID. Stage and step identifiers are not opaque
// IDs; they are the names from the pipeline definition.

const (
	prefixPipeline = "pip"
	prefixRun      = "run"
	prefixAgent    = "agt"
	prefixApproval = "apr"
	prefixCache    = "cch"
	prefixJob      = "job"
	prefixMatrix   = "mtx"
	prefixArtifact = "art"
	prefixSecret   = "sec"
)

type (
	PipelineID string
	RunID      string
	AgentID    string
	ApprovalID string
	CacheID    string
	JobID      string
	MatrixID   string
	ArtifactID string
	SecretID   string
)

func newID(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV7()).String()
}

func parseID(prefix, s string) (string, error) {
	raw := strings.TrimPrefix(s, prefix+"_")
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s id %q: %w", prefix, s, err)
	}
	return prefix + "_" + id.String(), nil
}

func NewPipelineID() PipelineID { return PipelineID(newID(prefixPipeline)) }
func NewRunID() RunID           { return RunID(newID(prefixRun)) }
func NewAgentID() AgentID       { return AgentID(newID(prefixAgent)) }
func NewApprovalID() ApprovalID { return ApprovalID(newID(prefixApproval)) }
func NewCacheID() CacheID       { return CacheID(newID(prefixCache)) }
func NewJobID() JobID           { return JobID(newID(prefixJob)) }
func NewMatrixID() MatrixID     { return MatrixID(newID(prefixMatrix)) }
func NewArtifactID() ArtifactID { return ArtifactID(newID(prefixArtifact)) }
func NewSecretID() SecretID     { return SecretID(newID(prefixSecret)) }

func ParsePipelineID(s string) (PipelineID, error) {
	id, err := parseID(prefixPipeline, s)
	return PipelineID(id), err
}

func ParseRunID(s string) (RunID, error) {
	id, err := parseID(prefixRun, s)
	return RunID(id), err
}

func ParseAgentID(s string) (AgentID, error) {
	id, err := parseID(prefixAgent, s)
	return AgentID(id), err
}

func ParseApprovalID(s string) (ApprovalID, error) {
	id, err := parseID(prefixApproval, s)
	return ApprovalID(id), err
}

func ParseCacheID(s string) (CacheID, error) {
	id, err := parseID(prefixCache, s)
	return CacheID(id), err
}

func (id PipelineID) String() string { return string(id) }
func (id RunID) String() string      { return string(id) }
func (id AgentID) String() string    { return string(id) }
func (id ApprovalID) String() string { return string(id) }
func (id CacheID) String() string    { return string(id) }
func (id JobID) String() string      { return string(id) }
func (id MatrixID) String() string   { return string(id) }
func (id ArtifactID) String() string { return string(id) }
func (id SecretID) String() string   { return string(id) }
