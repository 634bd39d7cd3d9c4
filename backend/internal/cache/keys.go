package cache

import "fmt"

// 键语义：
// - entityKey(entityID):  实体最近一次快照（String<json>，带真实 TTL）
// - indexKey():           实体索引（ZSet<entityId, expireAtUnix>，score=expireAt）

const (
	keyEntityFmt = "sync:entity:{%s}" // String<json snapshot>
	keyIndex     = "sync:entities"    // ZSet<entityId, expireAtUnix>
)

func entityKey(entityID string) string { return fmt.Sprintf(keyEntityFmt, entityID) }
func indexKey() string                 { return keyIndex }
