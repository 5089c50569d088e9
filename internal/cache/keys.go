package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func OperationKey(opID uuid.UUID) string {
	return fmt.Sprintf("op:%s", opID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
