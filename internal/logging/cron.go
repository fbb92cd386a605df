package logging

// CronLogger satisfies robfig/cron's Logger and sends scheduler messages
// to the module logger. Routine messages are logged at debug level.
type CronLogger struct {
	Module string
}

func (c CronLogger) Info(msg string, keysAndValues ...any) {
	logger := For(c.Module)
	logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger := For(c.Module)
	logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
