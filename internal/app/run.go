package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/auth"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/calllog"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// OpenBrowser opens the viewer URL once it is listening.
	OpenBrowser bool
}

// Run starts one peer and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	defer pipe.Close()
	go func() { _, _ = io.Copy(logBuf, pipe) }()

	cfg := opt.Cfg
	if err := cfg.Log.Apply(); err != nil {
		return err
	}
	logBanner(opt.PeerDir, opt.CfgPath)

	selfID, err := resolveIdentity(cfg.Identity)
	if err != nil {
		return err
	}
	log.Infof("identity: %s", selfID)

	// ── Signaling
	bus := realtime.NewBus(selfID)
	defer bus.Close()
	ws := realtime.NewWSConn(bus, realtime.WSOptions{
		URL:          cfg.Signaling.URL,
		Token:        cfg.Identity.Token,
		DialTimeout:  cfg.Signaling.DialTimeout(),
		Reconnect:    cfg.Signaling.Reconnect(),
		WriteTimeout: cfg.Signaling.WriteTimeout(),
	})
	go func() {
		if err := ws.Run(ctx); err != nil {
			log.Errorf("signaling stopped: %v", err)
		}
	}()

	// ── Media
	mopt := mediaOptions(cfg.Media)
	codecs, err := media.NewCodecs(mopt)
	if err != nil {
		return fmt.Errorf("media codecs: %w", err)
	}
	links := media.NewFactory(codecs, mopt)
	capture := media.NewCapture(codecs, mopt)
	if devs := media.Devices(); len(devs) > 0 {
		log.Infof("media devices: %s", strings.Join(devs, ", "))
	} else {
		log.Warnf("no capture devices found")
	}

	// ── Database (peer names, local call log)
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.CallLog.DBFile))
	if err != nil {
		return err
	}
	defer db.Close()
	localLog := storage.NewCallLog(db, selfID, cfg.CallLog.HistoryLimit)

	callLog, history, err := callLogFor(cfg, localLog)
	if err != nil {
		return err
	}

	// ── Call manager
	tone := viewer.NewToneHub()
	opts := call.Options{
		SelfID:          selfID,
		SelfName:        cfg.Identity.DisplayName,
		Signaler:        bus,
		Capture:         capture,
		Links:           links,
		CallLog:         callLog,
		Tone:            tone,
		LogTimeout:      cfg.CallLog.Timeout(),
		CorrelationWait: cfg.CallLog.CorrelationWait(),
		SendTimeout:     cfg.Signaling.WriteTimeout(),
	}
	if cfg.CallLog.Mode == config.CallLogLocal {
		opts.OnEnded = mirrorInbound(localLog)
	}
	mgr, err := call.New(opts)
	if err != nil {
		return err
	}
	defer mgr.Close()

	snaps, unsubscribe := mgr.Subscribe()
	defer unsubscribe()
	go followCalls(ctx, snaps, db)

	// ── Config hot reload
	if opt.CfgPath != "" {
		w, err := config.Watch(opt.CfgPath, 0, os.LookupEnv, func(c config.Config) {
			links.SetICEServers(c.Media.ICEServers)
			if err := c.Log.Apply(); err != nil {
				log.Warnf("apply log levels: %v", err)
			}
		})
		if err != nil {
			log.Warnf("config hot reload disabled: %v", err)
		} else {
			defer w.Close()
		}
	}

	// ── Viewer
	v := viewer.Viewer{
		Calls:          mgr,
		Tone:           tone,
		History:        history,
		SelfName:       func() string { return cfg.Identity.DisplayName },
		Logs:           logBuf,
		AllowedOrigins: cfg.Viewer.AllowedOrigins,
	}
	if cfg.CallLog.Mode == config.CallLogLocal {
		v.LocalLog = db
	}

	if cfg.Viewer.HTTPAddr == "" {
		log.Infof("viewer disabled")
		<-ctx.Done()
		return nil
	}
	listenAddr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
	if opt.OpenBrowser {
		go func() {
			if err := WaitTCP(listenAddr, util.DefaultFetchTimeout); err != nil {
				log.Warnf("viewer not reachable: %v", err)
				return
			}
			if err := util.OpenURL(url); err != nil {
				log.Warnf("open browser: %v", err)
			}
		}()
	}
	return viewer.Start(ctx, listenAddr, v)
}

// resolveIdentity picks the local user id: an explicit self_id, else the
// access token's subject.
func resolveIdentity(id config.Identity) (string, error) {
	if id.SelfID != "" {
		return id.SelfID, nil
	}
	if id.Token == "" {
		return "", fmt.Errorf("no identity: set identity.self_id or %sTOKEN", config.EnvPrefix)
	}
	ident, err := auth.ParseToken(id.Token)
	if err != nil {
		return "", fmt.Errorf("identity from token: %w", err)
	}
	if ident.Expired(timeNow()) {
		log.Warnf("access token expired at %s; the chat server will refuse it", ident.ExpiresAt)
	}
	return ident.UserID, nil
}

func mediaOptions(m config.Media) media.Options {
	return media.Options{
		ICEServers:          m.ICEServers,
		DisconnectedTimeout: m.DisconnectedTimeout(),
		FailedTimeout:       m.FailedTimeout(),
		VideoMaxWidth:       m.VideoMaxWidth,
		VideoMaxHeight:      m.VideoMaxHeight,
		VideoBitrate:        m.VideoBitrate,
		ReceiveOnly:         m.ReceiveOnly,
	}
}

// callLogFor picks the call log sink and history source for the configured
// mode. In off mode the local history still lists mirrored inbound calls.
func callLogFor(cfg config.Config, local *storage.CallLog) (call.CallLog, call.HistorySource, error) {
	switch cfg.CallLog.Mode {
	case config.CallLogRemote:
		token := cfg.Identity.Token
		c, err := calllog.New(calllog.Config{
			BaseURL:    cfg.CallLog.URL,
			Timeout:    cfg.CallLog.Timeout(),
			Token:      func() string { return token },
			MaxRetries: 2,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case config.CallLogLocal:
		return local, local, nil
	default:
		return nil, local, nil
	}
}

// mirrorInbound records ended inbound calls in the local log. The caller
// owns the row, so the callee keeps its own copy.
func mirrorInbound(local *storage.CallLog) func(call.Snapshot) {
	return func(s call.Snapshot) {
		if s.Direction != call.Inbound {
			return
		}
		if err := local.RecordInbound(s); err != nil {
			log.Warnf("record inbound call: %v", err)
		}
	}
}

// followCalls caches peer display names, once per session and name. A
// dropped snapshot only delays the cache until the next one.
func followCalls(ctx context.Context, ch <-chan call.Snapshot, db *storage.DB) {
	cached := ""
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			if s.PeerName == "" {
				continue
			}
			key := s.ID + "\x00" + s.PeerName
			if key == cached {
				continue
			}
			if err := db.UpsertPeerName(s.PeerID, s.PeerName); err != nil {
				log.Warnf("cache peer name: %v", err)
				continue
			}
			cached = key
		}
	}
}
