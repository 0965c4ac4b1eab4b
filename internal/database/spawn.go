package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/hbomb79/Relay/pkg/docker"
)

const PostgresImage = "postgres:14.1-alpine"

// DatabaseConfig is a subset of the configuration focusing solely
// on database connection items
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DB_DRIVER" env-default:"sqlite" validate:"oneof=sqlite postgres"`
	Path     string `yaml:"path" env:"DB_PATH" env-default:"~/.relay/relay.db"`
	User     string `yaml:"username" env:"DB_USERNAME"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"RELAY_DB"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	Embedded bool   `yaml:"embedded" env:"DB_EMBEDDED" env-default:"false"`
	DataDir  string `yaml:"data_dir" env:"DB_DATA_DIR" env-default:"~/.relay/pgdata"`
}

// InitialiseDockerDatabase spawns a PostgreSQL container using the credentials
// from the config provided, with the data directory bind-mounted from the host.
// If the container later crashes, onCrash is called.
func InitialiseDockerDatabase(ctx context.Context, dockerManager docker.Manager, config DatabaseConfig, onCrash func(error)) (*docker.Container, error) {
	if err := os.MkdirAll(config.DataDir, os.ModeDir|os.ModePerm); err != nil {
		return nil, err
	}
	dataDir, err := filepath.Abs(config.DataDir)
	if err != nil {
		return nil, err
	}

	spec := docker.Spec{
		Label: "relay-db",
		Image: PostgresImage,
		Config: &container.Config{
			Image: PostgresImage,
			Env: []string{
				fmt.Sprintf("POSTGRES_PASSWORD=%s", config.Password),
				fmt.Sprintf("POSTGRES_USER=%s", config.User),
				fmt.Sprintf("POSTGRES_DB=%s", config.Name),
			},
			ExposedPorts: nat.PortSet{"5432/tcp": struct{}{}},
		},
		HostConfig: &container.HostConfig{
			PortBindings: nat.PortMap{
				"5432/tcp": []nat.PortBinding{{HostIP: config.Host, HostPort: config.Port}},
			},
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: dataDir,
				Target: "/var/lib/postgresql/data",
			}},
		},
	}

	db, err := dockerManager.SpawnContainer(ctx, spec)
	if err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-db.Crashed():
			onCrash(fmt.Errorf("container %s has crashed", db))
		case <-ctx.Done():
		}
	}()

	return db, nil
}
