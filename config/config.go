package env

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"log"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	cmdDir    = "cmd"
	configDir = "configs"
)

// Read populates config from the environment and a YAML file named after
// the current app environment, read from the directory getConfigDirPath
// derives from the caller's source location.
func Read(config any) {
	appEnv, err := GetAppEnv()
	if err != nil {
		log.Fatalf("get appEnv error: %s \n", err)
		return
	}
	if err := read(config, appEnv, getConfigDirPath(2)); err != nil {
		log.Fatalf("get config error: %s \n", err)
		return
	}
}

// ReadWithConfigDirPath populates config from the environment and a YAML
// file under the given directory, bypassing the cmd/-relative lookup Read
// performs.
func ReadWithConfigDirPath(config any, cfgDirPath string) {
	appEnv, err := GetAppEnv()

	if err != nil {
		log.Fatalf("get appEnv error: %s \n", err)
		return
	}
	if err := read(config, appEnv, cfgDirPath); err != nil {
		log.Fatalf("get config error: %s \n", err)
		return
	}
}

// read loads cfgName.yaml from cfgDirPath and unmarshals it into cfg,
// with environment variables taking precedence over file values.
func read(cfg any, cfgName string, cfgDirPath string) error {
	v := viper.New()
	v.AutomaticEnv()

	v.SetConfigName(cfgName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cfgDirPath)

	if err := v.ReadInConfig(); err != nil {
		return errors.Errorf("read cfg error: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return errors.Errorf("parse cfg error: %w", err)
	}
	return nil
}

// getConfigDirPath takes the source directory of the function skip frames
// up the call stack from getConfigDirPath and returns configs/ joined with
// the path elements after its first cmd element, or "./" if the directory
// has no cmd element. Used only by Read.
func getConfigDirPath(skip int) string {
	// filepath.ToSlash keeps the dir split work the same on Windows.
	_, file, _, _ := runtime.Caller(skip)
	dirList := strings.Split(filepath.ToSlash(filepath.Dir(file)), "/")
	dirPath := "./"

	for i, dir := range dirList {
		if dir == cmdDir {
			dirPath = filepath.Join(configDir, filepath.Join(dirList[i+1:]...))
			break
		}
	}
	return dirPath
}
