package telemetry

import "go.uber.org/zap"

// NewLogger builds the process logger: human-readable in dev, JSON elsewhere.
// It is also installed as the zap global.
func NewLogger(env, service string) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if env == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("service", service))
	zap.ReplaceGlobals(log)
	return log, nil
}
