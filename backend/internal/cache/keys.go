package cache

import "fmt"

// Key semantics:
// - roomKey(projectID):   online replicas (ZSet<replicaID, expireAtUnix>, score=expireAt)
// - namesKey(projectID):  replicaID -> display name (Hash)
// - focusKey(...):        what a replica is currently editing (String, TTL)

const (
	keyRoomFmt  = "presence:project:{projectID:%s}"       // ZSet<replicaID, expireAtUnix>
	keyNamesFmt = "presence:project:names:{projectID:%s}" // Hash<replicaID -> displayName>
)

func roomKey(projectID string) string  { return fmt.Sprintf(keyRoomFmt, projectID) }
func namesKey(projectID string) string { return fmt.Sprintf(keyNamesFmt, projectID) }

func focusKey(projectID, replicaID string) string {
	return "presence:focus:" + projectID + ":" + replicaID
}
