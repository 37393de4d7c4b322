package importer

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"

	"github.com/transformaps/vera/internal/httputil"
)

const ftpTimeout = 30 * time.Second

// Open returns a reader for source, which is a local path or an ftp://,
// http:// or https:// URL. FTP sources without credentials log in
// anonymously.
func Open(ctx context.Context, source string, client *http.Client) (io.ReadCloser, error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Bare paths, including Windows drive letters.
		f, err := os.Open(source)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: open %s", source)
		}
		return f, nil
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: open %s", u.Path)
		}
		return f, nil
	case "http", "https":
		if client == nil {
			client = httputil.NewClient()
		}
		body, err := httputil.Open(ctx, client, source)
		if err != nil {
			return nil, eris.Wrap(err, "importer: http")
		}
		return body, nil
	case "ftp":
		return openFTP(ctx, u)
	default:
		return nil, eris.Errorf("importer: unsupported source scheme %q", u.Scheme)
	}
}

func openFTP(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	host := u.Host
	if u.Port() == "" {
		host += ":21"
	}
	conn, err := ftp.Dial(host, ftp.DialWithTimeout(ftpTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "importer: ftp dial")
	}

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, eris.Wrap(err, "importer: ftp login")
	}

	resp, err := conn.Retr(strings.TrimPrefix(u.Path, "/"))
	if err != nil {
		conn.Quit()
		return nil, eris.Wrapf(err, "importer: ftp retr %s", u.Path)
	}
	return &ftpFile{resp: resp, conn: conn}, nil
}

// ftpFile closes the transfer and then the control connection.
type ftpFile struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (f *ftpFile) Read(p []byte) (int, error) { return f.resp.Read(p) }

func (f *ftpFile) Close() error {
	err := f.resp.Close()
	if qerr := f.conn.Quit(); err == nil {
		err = qerr
	}
	return err
}
