package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout time.Duration
}

// FTPFetcher retrieves batch files from FTP servers, which some regional
// agencies still publish institution lists on. Credentials come from the URL
// and default to anonymous.
type FTPFetcher struct {
	timeout time.Duration
}

// NewFTPFetcher creates an FTPFetcher. The timeout defaults to 30s.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPFetcher{timeout: opts.Timeout}
}

// ftpLocation is a parsed ftp:// URL.
type ftpLocation struct {
	addr string
	file string
	user string
	pass string
}

func parseFTPLocation(rawURL string) (ftpLocation, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpLocation{}, eris.Wrap(err, "ftp: parse url")
	}
	if u.Scheme != "ftp" {
		return ftpLocation{}, eris.Errorf("ftp: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		return ftpLocation{}, eris.Errorf("ftp: no file in %s", u.Redacted())
	}

	loc := ftpLocation{addr: u.Host, file: u.Path, user: "anonymous", pass: "anonymous@"}
	if u.Port() == "" {
		loc.addr = net.JoinHostPort(u.Hostname(), "21")
	}
	if name := u.User.Username(); name != "" {
		loc.user = name
		loc.pass, _ = u.User.Password()
	}
	return loc, nil
}

// ftpBody streams a RETR response. Closing it ends the session.
type ftpBody struct {
	*ftp.Response
	conn *ftp.ServerConn
}

func (b *ftpBody) Close() error {
	err := b.Response.Close()
	if quitErr := b.conn.Quit(); err == nil && quitErr != nil {
		err = eris.Wrap(quitErr, "ftp: quit")
	}
	return err
}

// Download logs in and starts retrieving the file. The caller must close the
// body to release the connection.
func (f *FTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	loc, err := parseFTPLocation(rawURL)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("addr", loc.addr), zap.String("file", loc.file))
	log.Debug("ftp: connecting")

	conn, err := ftp.Dial(loc.addr, ftp.DialWithTimeout(f.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrapf(err, "ftp dial %s", loc.addr)
	}
	if err := conn.Login(loc.user, loc.pass); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "ftp login as %s", loc.user)
	}

	resp, err := conn.Retr(loc.file)
	if err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "ftp retrieve %s", loc.file)
	}
	log.Debug("ftp: transfer started")
	return &ftpBody{Response: resp, conn: conn}, nil
}

// DownloadToFile retrieves the file into path and returns the bytes written.
func (f *FTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	return writeTo(path, body)
}
