package consts

// ServerName is reported as the snapserver name in Server.GetStatus
const ServerName = "Snapfan"

// Version is overridden at build time with -ldflags "-X github.com/codefionn/snapfan/internal/consts.Version=..."
var Version = "0.1.0-dev"
