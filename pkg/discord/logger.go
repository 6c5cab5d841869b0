package discord

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"livechat/pkg/logger"
)

var installOnce sync.Once

// InstallLogger routes discordgo's package-level logging into log. Only the
// first call has an effect.
func InstallLogger(log *logger.Logger) {
	installOnce.Do(func() {
		l := log.Named("discordgo")
		discordgo.Logger = func(msgL, caller int, format string, a ...interface{}) {
			msg := strings.TrimSpace(fmt.Sprintf(format, a...))
			switch msgL {
			case discordgo.LogError:
				l.Error(msg)
			case discordgo.LogWarning:
				l.Warn(msg)
			case discordgo.LogInformational:
				l.Info(msg)
			default:
				l.Debug(msg, zap.Int("level", msgL))
			}
		}
	})
}
