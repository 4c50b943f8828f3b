package cache

import (
	"fmt"
	"time"
)

const (
	UserKeyPrefix      = "user:%d"
	BlacklistKeyPrefix = "blacklist:%s"

	EmojiCatalogueKey = "emojis:catalogue"
	SweepLockKey      = "lock:expiry-sweep"
)

const (
	UserTTL  = 5 * time.Minute
	EmojiTTL = 24 * time.Hour
)

func UserKey(userID uint) string {
	return fmt.Sprintf(UserKeyPrefix, userID)
}

func BlacklistKey(jti string) string {
	return fmt.Sprintf(BlacklistKeyPrefix, jti)
}
