// Package logger provides the singleton Zap logger used across signet.
//
//   - Singleton: una sola instancia global inicializada con Init().
//   - Environments: "dev" usa consola con colores, "prod" usa JSON.
//   - Context scoping: los middlewares inyectan un logger con campos del
//     request via ToContext/From.
//
// Inicialización (una vez en main.go):
//
//	logger.Init(logger.Config{Env: os.Getenv("APP_ENV"), Level: os.Getenv("LOG_LEVEL")})
//	defer logger.Sync()
package logger
