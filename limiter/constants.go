package limiter

// Rule kinds as written in the rules file
const (
	KindWindow   = "window"
	KindCooldown = "cooldown"
)

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Key namespaces inside the store
const (
	windowKeyPrefix   = "rl"
	cooldownKeyPrefix = "cd"
)
