package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PowerDNS/chronotrace/agent"
	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/observe"
	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/utils"
)

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().StringArrayP("header", "H", nil, "Extra request header, like 'Accept: application/json'")
}

var recordCmd = &cobra.Command{
	Use:          "record <url>",
	Short:        "Fetch a URL inside a capture and store the trace",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(rootCtx, time.Minute)
		defer cancel()

		headers, err := cmd.Flags().GetStringArray("header")
		if err != nil {
			return err
		}
		req, err := http.NewRequest("GET", args[0], nil)
		if err != nil {
			return err
		}
		for _, h := range headers {
			k, v, ok := cutHeader(h)
			if !ok {
				return errors.Errorf("invalid header %q", h)
			}
			req.Header.Add(k, v)
		}

		rc := conf
		rc.Enabled = true
		rc.Mode = config.ModeAlways
		rc.AsyncStorage = false
		a, err := agent.New(ctx, rc, logrus.StandardLogger(), recorder.Options{
			Components: []string{"observe.Transport"},
		})
		if err != nil {
			return err
		}
		rec, s := a.Recorder, a.Store

		id := rec.StartCapture(recorder.RequestInfo{
			Method:    req.Method,
			URL:       req.URL.String(),
			Headers:   req.Header,
			Query:     req.URL.Query(),
			UserAgent: "chronotrace/" + version,
		})
		req = req.WithContext(recorder.WithTraceID(ctx, id))
		req.Header.Set("User-Agent", "chronotrace/"+version)

		t0 := time.Now()
		mem := utils.HeapAllocs()
		client := observe.NewClient(rec, &http.Client{Timeout: 30 * time.Second})
		resp, err := client.Do(req)
		if err != nil {
			rec.FinishCaptureWithError(ctx, id, errors.Wrap(err, "fetch"), time.Since(t0), utils.HeapAllocs()-mem)
			return report(ctx, s, id, err)
		}
		defer resp.Body.Close()
		body := utils.NewCappedBuffer(int(rc.MaxContentSize.Bytes()))
		_, err = io.Copy(body, resp.Body)
		if err != nil {
			rec.FinishCaptureWithError(ctx, id, errors.Wrap(err, "read body"), time.Since(t0), utils.HeapAllocs()-mem)
			return report(ctx, s, id, err)
		}
		outcome := rec.FinishCapture(ctx, id, recorder.ResponseInfo{
			Status:        resp.StatusCode,
			Headers:       resp.Header,
			Body:          body.Bytes(),
			BodyTruncated: body.Truncated(),
			Cookies:       resp.Cookies(),
		}, time.Since(t0), utils.HeapAllocs()-mem)
		if outcome != recorder.OutcomeStored {
			return errors.Errorf("trace %s not stored: %s", id, outcome)
		}
		return report(ctx, s, id, nil)
	},
}

type locator interface {
	Locate(ctx context.Context, ref string) (string, error)
}

// report prints where the trace was stored and returns fetchErr
func report(ctx context.Context, s locator, id fmt.Stringer, fetchErr error) error {
	p, err := s.Locate(ctx, id.String())
	if err != nil {
		return errors.Wrap(err, "locate stored trace")
	}
	fmt.Printf("%s\t%s\n", id, p)
	return fetchErr
}

func cutHeader(h string) (string, string, bool) {
	k, v, ok := strings.Cut(h, ":")
	k = strings.TrimSpace(k)
	return k, strings.TrimSpace(v), ok && k != ""
}
