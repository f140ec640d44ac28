package app

import (
	"log/slog"
	"net/http"

	"github.com/markdave123-py/Docket/internal/config"
	"github.com/markdave123-py/Docket/internal/core/ocr"
)

// buildEngines registers every engine the configuration locates. An engine
// with both a service URL and a command runs the service when it answers
// its probe and the command otherwise.
func buildEngines(cfg config.EngineSettings, client *http.Client, logger *slog.Logger) []ocr.Engine {
	var engines []ocr.Engine
	add := func(name, url string, command []string) {
		var native, portable ocr.Engine
		if url != "" {
			native = ocr.NewHTTPEngine(name, url, client)
		}
		if len(command) > 0 {
			portable = ocr.NewProcessEngine(name, command, nil)
		}
		switch {
		case native != nil && portable != nil:
			engines = append(engines, ocr.NewDualModeEngine(name, native, portable, cfg.ProbeTimeout, logger))
		case native != nil:
			engines = append(engines, native)
		case portable != nil:
			engines = append(engines, portable)
		default:
			logger.Info("engine not configured", "engine", name)
		}
	}
	add(ocr.EngineFast, cfg.FastURL, cfg.FastCommand)
	add(ocr.EngineRobust, cfg.RobustURL, cfg.RobustCommand)
	add(ocr.EngineMixed, cfg.MixedURL, nil)

	engines = append(engines, ocr.NewPlainEngine(false))
	return engines
}
