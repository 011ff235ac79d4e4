package crawlqueue

import (
	"os"
	"strings"
)

// JobIDEnv is the environment variable consulted when no explicit job id is configured.
const JobIDEnv = "CRAWL_JOB"

var jobIDEscaper = strings.NewReplacer("%", "%25", "{", "%7B", "}", "%7D")

// Scope returns baseKey prefixed with the job namespace.
// An empty jobID leaves baseKey unchanged. Otherwise the escaped job id is
// wrapped in braces, so all keys of one job share a Redis Cluster hash slot.
func Scope(jobID, baseKey string) string {
	if jobID == "" {
		return baseKey
	}
	return "{" + jobIDEscaper.Replace(jobID) + "}:" + baseKey
}

// ResolveJobID applies the job id precedence: explicit value, then the
// CRAWL_JOB environment variable, then the unscoped default.
// When scoping is disabled the result is always unscoped.
func ResolveJobID(enabled bool, explicit string) string {
	if !enabled {
		return ""
	}
	if explicit != "" {
		return explicit
	}
	return os.Getenv(JobIDEnv)
}

// Namespace scopes every collection key of one job.
type Namespace struct {
	JobID     string
	KeyPrefix string
}

// NewNamespace creates a namespace for jobID.
func NewNamespace(jobID string) Namespace {
	return Namespace{JobID: jobID, KeyPrefix: Scope(jobID, "")}
}

// Keys holds the fully scoped key of every collection belonging to one queue.
type Keys struct {
	JobID        string
	Scope        string // scoped queue key; every other key derives from it
	Pending      string // zset: priority score, seq-ordered members
	Processing   string // zset: lease expiry score
	Delayed      string // zset: ready-at score
	Items        string // hash: id -> encoded item
	Priorities   string // hash: id -> current priority
	Attempts     string // hash: id -> attempt count
	Owners       string // hash: id -> lease token
	Seq          string // counter for FIFO ordering
	Ready        string // zset: wake-up signal for blocking pops
	Fingerprints string // zset: hash -> expiry
	Dead         string // list: dead-letter records
}

// Keys derives the key set for the given base queue key.
func (n Namespace) Keys(queueKey string) Keys {
	scope := Scope(n.JobID, queueKey)
	return Keys{
		JobID:        n.JobID,
		Scope:        scope,
		Pending:      scope + ":pending",
		Processing:   scope + ":processing",
		Delayed:      scope + ":delayed",
		Items:        scope + ":items",
		Priorities:   scope + ":priorities",
		Attempts:     scope + ":attempts",
		Owners:       scope + ":owners",
		Seq:          scope + ":seq",
		Ready:        scope + ":ready",
		Fingerprints: scope + ":fingerprints",
		Dead:         scope + ":dead",
	}
}

