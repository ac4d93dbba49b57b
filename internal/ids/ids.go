// Package ids generates human-memorable, collision-resistant session
// identifiers, grounded on the teacher's google/uuid use as a collision
// probe (internal/storage/s3.go keys every upload with uuid.New()).
package ids

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// MaxCollisionRetries bounds how many times new_id() re-rolls against an
// occupied slug before giving up with a Fatal error kind (§7.9).
const MaxCollisionRetries = 5

var adjectives = []string{
	"amber", "brisk", "calm", "drifting", "eager", "faint", "gentle", "hidden",
	"icy", "jolly", "keen", "lively", "mellow", "nimble", "opal", "proud",
	"quiet", "rapid", "steady", "tidy", "upbeat", "vivid", "warm", "young",
}

var nouns = []string{
	"otter", "canyon", "harbor", "meadow", "falcon", "lantern", "ridge", "heron",
	"comet", "willow", "summit", "brook", "glacier", "orbit", "thicket", "plateau",
	"cove", "ember", "grove", "tide", "spire", "vale", "cinder", "prairie",
}

// Exists is the minimal probe the allocator needs from the session store:
// "is this slug already taken". Store satisfies it directly.
type Exists func(id string) bool

// New produces a slug of the form "adjective-noun-NNN" and retries against
// exists up to MaxCollisionRetries times, per §4.A.
func New(exists Exists) (string, error) {
	for attempt := 0; attempt < MaxCollisionRetries; attempt++ {
		id := roll()
		if !exists(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("ids: exhausted %d collision retries", MaxCollisionRetries)
}

func roll() string {
	a := adjectives[rand.Intn(len(adjectives))]
	n := nouns[rand.Intn(len(nouns))]
	suffix := rand.Intn(1000)
	return fmt.Sprintf("%s-%s-%03d", a, n, suffix)
}

// NewConnectionID assigns the gateway's per-connection identifier (§3
// Connection.connectionId). A raw UUID is sufficiently collision-resistant
// on its own and doesn't need the human-memorable slug shape a sessionId
// does (sessions get read aloud/typed by users; connections never do).
func NewConnectionID() string {
	return uuid.NewString()
}
