// Command server is the process entry point: it builds a Config literal
// from one flag per Config field and hands it to server.New/Run. Daemonization,
// signal handling, and config-file parsing are left to the deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Early-Vertigo/webserver/internal/config"
	"github.com/Early-Vertigo/webserver/internal/server"
)

func main() {
	port := flag.Int("port", 1316, "listen port")
	resourcesDir := flag.String("resources", "resources", "directory static assets are served relative to")
	triggerMode := flag.Int("trigger-mode", 3, "bit 0: edge-trigger connection fds, bit 1: edge-trigger the listen fd")
	idleTimeoutMS := flag.Int("idle-timeout-ms", 60000, "idle connection timeout in milliseconds")
	workerCount := flag.Int("workers", 8, "fixed worker pool size")
	lingerOnClose := flag.Bool("linger-on-close", false, "SO_LINGER{1,1} on accepted sockets instead of the OS default")

	dbHost := flag.String("db-host", "127.0.0.1", "database host")
	dbPort := flag.Int("db-port", 3306, "database port")
	dbUser := flag.String("db-user", "root", "database user")
	dbPassword := flag.String("db-password", "", "database password")
	dbName := flag.String("db-name", "webserver", "database name")
	dbPoolSize := flag.Int("db-pool-size", 8, "number of pre-opened database sessions")

	logEnabled := flag.Bool("log", true, "enable the async log sink")
	logLevel := flag.Int("log-level", 1, "log level: 0=debug 1=info 2=warn 3=error")
	logQueueSize := flag.Int("log-queue-size", 1024, "bounded async log queue capacity")

	flag.Parse()

	cfg := config.Config{
		ListenPort:    *port,
		TriggerMode:   *triggerMode,
		IdleTimeoutMS: *idleTimeoutMS,
		LingerOnClose: *lingerOnClose,

		DBHost:     *dbHost,
		DBPort:     *dbPort,
		DBUser:     *dbUser,
		DBPassword: *dbPassword,
		DBName:     *dbName,
		DBPoolSize: *dbPoolSize,

		WorkerCount: *workerCount,

		LogEnabled:   *logEnabled,
		LogLevel:     *logLevel,
		LogQueueSize: *logQueueSize,

		ResourcesDir: *resourcesDir,
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "webserver:", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "webserver:", err)
		os.Exit(1)
	}
}
