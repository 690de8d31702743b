package app

import (
	"log/slog"
	"mime"
)

// staticTypes lists the asset extensions served from web/static. Minimal
// container images ship without /etc/mime.types.
var staticTypes = map[string]string{
	".css": "text/css; charset=utf-8",
	".svg": "image/svg+xml",
}

func registerStaticTypes(logger *slog.Logger) {
	for ext, typ := range staticTypes {
		if mime.TypeByExtension(ext) != "" {
			continue
		}
		if err := mime.AddExtensionType(ext, typ); err != nil {
			logger.Warn("register mime type", slog.String("ext", ext), slog.Any("error", err))
		}
	}
}
