package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"golang.org/x/net/publicsuffix"

	"subscribe_nexus/internal/shared/logger"
	"subscribe_nexus/proxypool/model"
	"subscribe_nexus/proxypool/storage"
)

const (
	telegramBase    = "https://t.me/s"
	messagesPerPage = 20
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
)

var (
	couponPattern = regexp.MustCompile(`(?i)(?:优惠码|优惠券|coupon)\s*[:：]?\s*([A-Za-z0-9_\-%]{2,32})`)
	linkPattern   = regexp.MustCompile(`https?://[^\s"'<>）)]+`)

	// 频道消息中常见的非机场链接
	blockedSites = map[string]struct{}{
		"t.me":         {},
		"telegram.org": {},
		"telegra.ph":   {},
		"github.com":   {},
		"youtube.com":  {},
		"youtu.be":     {},
		"twitter.com":  {},
		"x.com":        {},
		"google.com":   {},
	}
)

// TelegramCrawler 抓取 Telegram 频道的公开网页版 (t.me/s/<channel>)，
// 从消息中提取站点地址和优惠码。
type TelegramCrawler struct {
	BaseURL   string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// NewTelegramCrawler 创建一个新的 TelegramCrawler 实例。
func NewTelegramCrawler() *TelegramCrawler {
	return &TelegramCrawler{BaseURL: telegramBase, Timeout: 30 * time.Second}
}

// Collect 先抓取频道首页确定最新消息编号，再并发抓取更早的页面。
func (c *TelegramCrawler) Collect(ctx context.Context, opts CollectOptions) (map[string]string, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	channel := strings.Trim(strings.TrimSpace(opts.Channel), "/")
	if channel == "" {
		return nil, errors.New("crawler: channel is required")
	}
	pages := max(opts.Pages, 1)
	l.Info().Str("channel", channel).Int("pages", pages).Msg("Starting crawl...")

	collector, err := c.newCollector(ctx, opts.Concurrency)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		found    = make(map[string]string)
		latest   int
		firstErr error
	)
	collector.OnHTML("div.tgme_widget_message", func(e *colly.HTMLElement) {
		id := postID(e.Attr("data-post"))
		items := extractSites(e.DOM, opts.Rigid)

		mu.Lock()
		defer mu.Unlock()
		if id > latest {
			latest = id
		}
		for addr, coupon := range items {
			if prev, ok := found[addr]; !ok || (coupon != "" && prev == "") {
				found[addr] = coupon
			}
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Crawl request failed.")
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	})

	first := strings.TrimRight(c.BaseURL, "/") + "/" + channel
	if err := collector.Visit(first); err != nil {
		return nil, fmt.Errorf("crawler: failed to visit %s: %w", first, err)
	}
	collector.Wait()

	if latest == 0 {
		if firstErr != nil {
			return nil, fmt.Errorf("crawler: channel %s unavailable: %w", channel, firstErr)
		}
		l.Warn().Str("channel", channel).Msg("No messages found in channel.")
		return found, nil
	}

	for k := 1; k < pages && ctx.Err() == nil; k++ {
		before := latest - k*messagesPerPage + 1
		if before <= 1 {
			break
		}
		pageURL := fmt.Sprintf("%s?before=%d", first, before)
		if err := collector.Visit(pageURL); err != nil {
			l.Debug().Err(err).Str("url", pageURL).Msg("Skip page")
		}
	}
	collector.Wait()

	if opts.CacheFile != "" && len(found) > 0 {
		c.writeCache(opts, found)
	}
	l.Info().Int("count", len(found)).Str("channel", channel).Msg("Crawl finished.")
	return found, nil
}

func (c *TelegramCrawler) newCollector(ctx context.Context, concurrency int) (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.Async(true),
		colly.StdlibContext(ctx),
	)
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if c.Transport != nil {
		collector.WithTransport(c.Transport)
	}
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: max(concurrency, 1),
		RandomDelay: 500 * time.Millisecond,
	}); err != nil {
		return nil, fmt.Errorf("crawler: invalid limit rule: %w", err)
	}
	return collector, nil
}

func (c *TelegramCrawler) writeCache(opts CollectOptions, found map[string]string) {
	delimiter := opts.Delimiter
	if delimiter == "" {
		delimiter = storage.DomainDelimiter
	}
	table := model.MergeCoupons(nil, found, model.ProvenanceCrawled)
	if err := os.WriteFile(opts.CacheFile, []byte(storage.FormatDomains(table, delimiter)), 0o644); err != nil {
		l := logger.WithComponent("ProxyPool/Scraper")
		l.Warn().Err(err).Str("file", opts.CacheFile).Msg("Failed to write crawl cache.")
	}
}

// postID 解析 "channel/1234" 形式的消息编号。
func postID(post string) int {
	i := strings.LastIndexByte(post, '/')
	if i < 0 {
		return 0
	}
	id, err := strconv.Atoi(post[i+1:])
	if err != nil {
		return 0
	}
	return id
}

// extractSites 返回一条消息中的 address -> coupon。
func extractSites(msg *goquery.Selection, rigid bool) map[string]string {
	body := msg.Find(".tgme_widget_message_text")
	text := body.Text()

	coupon := ""
	if m := couponPattern.FindStringSubmatch(text); len(m) > 1 {
		coupon = m[1]
	}

	links := linkPattern.FindAllString(text, -1)
	body.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			links = append(links, href)
		}
	})

	out := make(map[string]string)
	for _, link := range links {
		if addr, ok := siteAddress(link, rigid); ok {
			out[addr] = coupon
		}
	}
	return out
}

// siteAddress 把消息里的链接归一化为站点地址；已经是订阅链接的保留完整地址。
func siteAddress(link string, rigid bool) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if blocked(host) {
		return "", false
	}
	if rigid && !registrable(host) {
		return "", false
	}
	if IsSubscriptionLink(u.String()) {
		return u.String(), true
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), true
}

func blocked(host string) bool {
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		site = host
	}
	_, ok := blockedSites[site]
	return ok
}

func registrable(host string) bool {
	if net.ParseIP(host) != nil {
		return false
	}
	if _, icann := publicsuffix.PublicSuffix(host); !icann {
		return false
	}
	_, err := publicsuffix.EffectiveTLDPlusOne(host)
	return err == nil
}

// NameFor 根据地址生成任务名，例如 https://www.example.co.uk/x -> "example"。
func NameFor(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return "task"
	}
	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) != nil {
		return host
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	suffix, _ := publicsuffix.PublicSuffix(site)
	name := strings.TrimSuffix(strings.TrimSuffix(site, suffix), ".")
	if name == "" {
		return host
	}
	return name
}
