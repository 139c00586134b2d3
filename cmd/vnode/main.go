// cmd/vnode/main.go
// 单进程节点：打开一棵虚拟 Merkle 树，作为老师对外提供重连，或作为学习方追上老师
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"vledger/config"
	"vledger/datasource"
	"vledger/logs"
	"vledger/reconnect"
	"vledger/transport"
	"vledger/vmap"
)

var (
	configPath = flag.String("config", "", "yaml 配置文件，空则使用默认配置")
	role       = flag.String("role", "teacher", "teacher 或 learner")
	name       = flag.String("name", "state", "树名")
	listenAddr = flag.String("listen", "127.0.0.1:7400", "老师监听地址")
	peerAddr   = flag.String("peer", "127.0.0.1:7400", "学习方要连接的老师地址")
	mode       = flag.String("mode", "", "覆盖配置里的重连模式")
	keyPath    = flag.String("key", "", "节点私钥文件，不存在时生成")
	fill       = flag.Int("fill", 0, "启动时写入多少条演示数据")
	snapshot   = flag.String("snapshot", "", "学习方完成后把新树写成快照")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		logs.Error("vnode: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		return err
	}
	if *mode != "" {
		cfg.Reconnect.Mode = *mode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := logs.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logs.SetLevel(level)
	logs.NodeLabel = *role

	id, err := loadIdentity(*keyPath)
	if err != nil {
		return err
	}

	ds, err := datasource.Open(*name, cfg.Database)
	if err != nil {
		return err
	}
	defer ds.Close()
	head, err := vmap.New(*name, cfg.VirtualMap, ds)
	if err != nil {
		return err
	}
	defer head.Close()

	for i := 0; i < *fill; i++ {
		key := fmt.Sprintf("%s-%08d", *role, i)
		if err := head.Put([]byte(key), []byte(fmt.Sprintf("%d@%d", i, time.Now().Unix()))); err != nil {
			return err
		}
	}
	// 冻结当前状态作为对外的只读版本
	if _, err := head.Copy(); err != nil {
		return err
	}
	defer head.Release()
	root, err := head.Hash()
	if err != nil {
		return err
	}
	logs.Info("[vnode] %s %s: tree %s root=%x", *role, id.Address, head.Metadata(), root)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *role {
	case "teacher":
		return serveTeacher(ctx, cfg, id, head)
	case "learner":
		return runLearner(ctx, cfg, id, head)
	}
	return fmt.Errorf("unknown role %q", *role)
}

func loadIdentity(path string) (*transport.Identity, error) {
	if path == "" {
		return transport.NewIdentity()
	}
	if _, err := os.Stat(path); err == nil {
		return transport.LoadIdentity(path)
	}
	id, err := transport.NewIdentity()
	if err != nil {
		return nil, err
	}
	return id, id.Save(path+".crt", path)
}

func serveTeacher(ctx context.Context, cfg *config.Config, id *transport.Identity, view *vmap.VirtualMap) error {
	ln, err := transport.Listen(*listenAddr, id)
	if err != nil {
		return err
	}
	defer ln.Close()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logs.Info("[vnode] %s latency: %s", view.Name(), view.Stats().Latency.Snapshot(false))
				return nil
			}
			logs.Warn("[vnode] accept: %v", err)
			continue
		}
		go func() {
			t := reconnect.NewTeacher(cfg.Reconnect, view)
			if err := t.Run(ctx, conn); err != nil {
				logs.Warn("[vnode] session with %s failed: %v", conn.PeerAddress(), err)
				return
			}
			logs.Info("[vnode] taught %s: %s", conn.PeerAddress(), t.Stats())
		}()
	}
}

func runLearner(ctx context.Context, cfg *config.Config, id *transport.Identity, orig *vmap.VirtualMap) error {
	conn, err := transport.Dial(ctx, *peerAddr, id)
	if err != nil {
		return err
	}

	workDir := ""
	build := func() (datasource.DataSource, error) {
		dbCfg := cfg.Database
		if !dbCfg.InMemory {
			workDir = filepath.Join(filepath.Dir(dbCfg.DataDir), fmt.Sprintf("%s-reconnect-%d", *name, time.Now().UnixNano()))
			dbCfg.DataDir = workDir
		}
		return datasource.Open(*name+"-reconnect", dbCfg)
	}

	res, err := reconnect.NewLearner(cfg.Reconnect, orig, build).Run(ctx, conn)
	if err != nil {
		if errors.Is(err, reconnect.ErrRootMismatch) {
			logs.Error("[vnode] rebuilt tree does not match %s", conn.PeerAddress())
		}
		if workDir != "" {
			os.RemoveAll(workDir)
		}
		return err
	}
	if res.UpToDate {
		logs.Info("[vnode] already in sync with %s", conn.PeerAddress())
		return nil
	}
	defer res.DataSource.Close()
	defer res.Map.Close()

	root, err := res.Map.Hash()
	if err != nil {
		return err
	}
	logs.Info("[vnode] caught up with %s: tree %s root=%x dir=%q %s",
		conn.PeerAddress(), res.Map.Metadata(), root, workDir, res.Stats)
	logs.Info("[vnode] local tree latency: %s", orig.Stats().Latency.Snapshot(false))
	if q := res.Stats.InQueue; q.Saturation() > 0.9 {
		logs.Warn("[vnode] inbound queue nearly full (%s); consider a smaller maxOutstandingRequests", q)
	}

	if *snapshot == "" {
		return nil
	}
	f, err := os.Create(*snapshot)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := vmap.WriteSnapshot(f, res.Map); err != nil {
		return err
	}
	logs.Info("[vnode] snapshot written to %s", *snapshot)
	return nil
}
