package discord

import (
	"go.uber.org/fx"
)

// Module provides the discordgo-backed Client and routes discordgo logging.
var Module = fx.Module("discord",
	fx.Provide(
		fx.Annotate(
			NewSessionClient,
			fx.As(new(Client)),
		),
	),
	fx.Invoke(InstallLogger),
)
