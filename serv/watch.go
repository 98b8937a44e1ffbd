package serv

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// startConfigWatcher reloads the service when the config file changes. The
// old engine keeps serving until the new one is ready, then the handle
// swaps.
func startConfigWatcher(s1 *HttpService) error {
	s := s1.service()
	if s.conf.viper == nil {
		return nil
	}
	cf := s.conf.viper.ConfigFileUsed()
	if cf == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close() //nolint:errcheck

	if err := w.Add(filepath.Dir(cf)); err != nil {
		return err
	}

	var lastReload time.Time

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(cf) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// editors fire bursts of events per save
			if time.Since(lastReload) < time.Second {
				continue
			}
			lastReload = time.Now()

			if err := reload(s1, cf); err != nil {
				s.log.Errorf("config reload failed, keeping old config: %s", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warnf("config watcher: %s", err)
		}
	}
}

func reload(s1 *HttpService, configFile string) error {
	old := s1.service()

	conf, err := ReadInConfig(configFile)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	if err := s1.newDilsorService(conf, OptionSetZapLogger(old.zlog)); err != nil {
		return fmt.Errorf("rebuild service: %w", err)
	}

	ns := s1.service()
	ns.srv = old.srv
	ns.state = old.state

	if err := old.dilsor.Close(); err != nil {
		ns.log.Warnf("old engine close: %s", err)
	}
	ns.log.Info("config reloaded")
	return nil
}
