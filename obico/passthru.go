package obico

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// downloadRequest is the file_downloader argument: a G-code file hosted by
// the Obico server, to be fetched and sent to the printer.
type downloadRequest struct {
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	SafeFilename string `json:"safe_filename"`
}

func (d *downloadRequest) name() string {
	if d.SafeFilename != "" {
		return d.SafeFilename
	}
	return d.Filename
}

// integrityRequest asks for an md5 over a file already on the printer.
type integrityRequest struct {
	Filename string `json:"filename"`
	MD5      string `json:"md5"`
}

// handlePassthru executes one passthru request and replies over the server
// WebSocket. Long-running work (file download) has already been moved off
// the message loop by the caller.
func (b *Bridge) handlePassthru(ctx context.Context, req *PassthruRequest) {
	ret, errMsg := b.dispatchPassthru(ctx, req)
	srv := b.serverRef()
	if srv == nil {
		return
	}
	if err := srv.SendPassthruResult(req.Ref, ret, errMsg); err != nil {
		b.log.Warn().Err(err).Str("ref", req.Ref).Msg("passthru reply failed")
	}
}

func (b *Bridge) dispatchPassthru(ctx context.Context, req *PassthruRequest) (any, string) {
	mr := b.moonrakerRef()
	if mr == nil {
		return nil, "printer is offline"
	}
	switch req.Target {
	case "moonraker_api":
		return b.passthruMoonraker(ctx, mr, req)
	case "file_downloader":
		switch req.Func {
		case "download":
			return b.passthruDownload(ctx, mr, req)
		case "check_integrity":
			return b.passthruIntegrity(ctx, mr, req)
		}
	case "_printer":
		switch req.Func {
		case "jog":
			return b.passthruJog(ctx, mr, req)
		case "home":
			return b.passthruHome(ctx, mr, req)
		}
	}
	return nil, fmt.Sprintf("unsupported passthru %s.%s", req.Target, req.Func)
}

// passthruMoonraker proxies an arbitrary Moonraker RPC. The func field is
// the method name; kwargs become the params object.
func (b *Bridge) passthruMoonraker(ctx context.Context, mr moonrakerAPI, req *PassthruRequest) (any, string) {
	params := make(map[string]any, len(req.Kwargs))
	for k, raw := range req.Kwargs {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Sprintf("bad kwarg %s: %v", k, err)
		}
		params[k] = v
	}
	var result json.RawMessage
	if err := mr.Call(ctx, req.Func, params, &result); err != nil {
		return nil, err.Error()
	}
	var ret any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &ret); err != nil {
			return nil, fmt.Sprintf("decode result: %v", err)
		}
	}
	return ret, ""
}

// passthruDownload fetches a G-code file from the Obico server and uploads
// it to Moonraker with print=true.
func (b *Bridge) passthruDownload(ctx context.Context, mr moonrakerAPI, req *PassthruRequest) (any, string) {
	var dl downloadRequest
	if len(req.Args) < 1 || json.Unmarshal(req.Args[0], &dl) != nil || dl.URL == "" {
		return nil, "download needs a file argument with a url"
	}
	if isActiveState(b.tracker.snapshot().PrintStats.State) {
		return nil, "Currently printing!"
	}
	if !b.downloading.CompareAndSwap(false, true) {
		return nil, "Currently downloading!"
	}
	defer b.downloading.Store(false)

	filename := dl.name()
	if filename == "" {
		filename = "obico-upload.gcode"
	}

	dlCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(dlCtx, http.MethodGet, dl.URL, nil)
	if err != nil {
		return nil, err.Error()
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Sprintf("download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Sprintf("download: %s", resp.Status)
	}

	if err := mr.UploadGCode(dlCtx, filename, resp.Body, true); err != nil {
		return nil, err.Error()
	}
	b.log.Info().Str("file", filename).Msg("remote print started")
	return map[string]any{"target_path": filename}, ""
}

// passthruIntegrity hashes a file in Moonraker's gcodes root and compares
// it against the expected md5.
func (b *Bridge) passthruIntegrity(ctx context.Context, mr moonrakerAPI, req *PassthruRequest) (any, string) {
	var ir integrityRequest
	if len(req.Args) >= 1 {
		json.Unmarshal(req.Args[0], &ir)
	}
	if ir.Filename == "" && len(req.Kwargs) > 0 {
		if raw, ok := req.Kwargs["filename"]; ok {
			json.Unmarshal(raw, &ir.Filename)
		}
		if raw, ok := req.Kwargs["md5"]; ok {
			json.Unmarshal(raw, &ir.MD5)
		}
	}
	if ir.Filename == "" {
		return nil, "check_integrity needs a filename"
	}
	body, err := mr.OpenFile(ctx, "gcodes", ir.Filename)
	if err != nil {
		return nil, err.Error()
	}
	defer body.Close()
	sum := md5.New()
	if _, err := io.Copy(sum, body); err != nil {
		return nil, fmt.Sprintf("read %s: %v", ir.Filename, err)
	}
	got := hex.EncodeToString(sum.Sum(nil))
	return map[string]any{
		"verified": ir.MD5 != "" && strings.EqualFold(got, ir.MD5),
		"md5":      got,
	}, ""
}

// passthruJog moves the toolhead by relative distances per axis.
func (b *Bridge) passthruJog(ctx context.Context, mr moonrakerAPI, req *PassthruRequest) (any, string) {
	var axes map[string]float64
	if len(req.Args) < 1 || json.Unmarshal(req.Args[0], &axes) != nil || len(axes) == 0 {
		return nil, "jog needs an axis map"
	}
	feedrate := 6000.0
	if raw, ok := req.Kwargs["feedrate"]; ok {
		var f float64
		if json.Unmarshal(raw, &f) == nil && f > 0 {
			f *= 60 // mm/s to mm/min
			feedrate = f
		}
	}

	names := make([]string, 0, len(axes))
	for axis := range axes {
		names = append(names, axis)
	}
	sort.Strings(names)
	var move strings.Builder
	move.WriteString("G1")
	for _, axis := range names {
		fmt.Fprintf(&move, " %s%.3f", strings.ToUpper(axis), axes[axis])
	}
	fmt.Fprintf(&move, " F%.0f", feedrate)

	script := "G91\n" + move.String() + "\nG90"
	if err := mr.GcodeScript(ctx, script); err != nil {
		return nil, err.Error()
	}
	return map[string]any{"ok": true}, ""
}

// passthruHome homes the named axes, or all axes when none are given.
func (b *Bridge) passthruHome(ctx context.Context, mr moonrakerAPI, req *PassthruRequest) (any, string) {
	var axes []string
	if len(req.Args) >= 1 {
		json.Unmarshal(req.Args[0], &axes)
	}
	script := "G28"
	for _, axis := range axes {
		script += " " + strings.ToUpper(axis)
	}
	if err := mr.GcodeScript(ctx, script); err != nil {
		return nil, err.Error()
	}
	return map[string]any{"ok": true}, ""
}
