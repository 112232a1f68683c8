package session

import (
	"os"
	"time"
)

// startBlocklistReloader loads the blocklist file once immediately, then
// reloads it on every BlocklistUpdateInterval tick for the life of the
// session, so an operator can update the file on disk without
// restarting.
func (s *Session) startBlocklistReloader() {
	s.reloadBlocklist()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.BlocklistUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.reloadBlocklist()
			case <-s.closeC:
				return
			}
		}
	}()
}

func (s *Session) reloadBlocklist() {
	f, err := os.Open(s.config.BlocklistPath)
	if err != nil {
		s.log.Warningln("cannot open blocklist file:", err)
		return
	}
	defer f.Close()
	n, err := s.blocklist.Load(f, time.Now())
	if err != nil {
		s.log.Warningln("cannot load blocklist file:", err)
		return
	}
	s.log.Infof("loaded %d blocklist entries", n)
}
