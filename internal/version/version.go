package version

// 构建时通过 -ldflags "-X clawboard/internal/version.Version=..." 注入
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
