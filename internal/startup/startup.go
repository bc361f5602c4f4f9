// Package startup holds the configuration and logging setup shared by the programs.
package startup

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DotDir is the per-user directory holding config.yaml and logs/.
const DotDir = ".dtacq"

// MakeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func MakeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}

	// Create an empty file dir/filename, if it doesn't exist.
	fullname := filepath.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// SetupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func SetupViper() error {
	viper.SetDefault("Verbose", false)

	HOME, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("finding user home dir: %w", err)
	}
	dotDir := filepath.Join(HOME, DotDir)
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := MakeFileExist(dotDir, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.FromSlash("/etc/dtacq"))
	viper.AddConfigPath(dotDir)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// StartLogger returns a logger writing to the rotating file pfname.
func StartLogger(pfname string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, "", log.LstdFlags)
}

// StartLoggers opens problems.log and updates.log in the user's log directory.
func StartLoggers() (problems, updates *log.Logger, err error) {
	HOME, err := os.UserHomeDir()
	if err != nil {
		return nil, nil, err
	}
	logdir := filepath.Join(HOME, DotDir, "logs")
	problemname, err := MakeFileExist(logdir, "problems.log")
	if err != nil {
		return nil, nil, err
	}
	logname, err := MakeFileExist(logdir, "updates.log")
	if err != nil {
		return nil, nil, err
	}
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	return StartLogger(problemname), StartLogger(logname), nil
}
