package telegram_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/hbomb79/Relay/internal/relay"
	"github.com/hbomb79/Relay/internal/telegram"
	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "123:test-token"

var ctx = context.Background()

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type (
	recordedCall struct {
		Method string
		Fields map[string]string
		Files  []string
	}

	// fakeTelegram stands in for the Bot API. Results for a method may be
	// registered ahead of time; methods with no result answer `true`.
	fakeTelegram struct {
		mu      sync.Mutex
		calls   []recordedCall
		results map[string][]string
		server  *httptest.Server
	}
)

func newFakeTelegram(t *testing.T) *fakeTelegram {
	fake := &fakeTelegram{results: make(map[string][]string)}
	fake.server = httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(fake.server.Close)

	fake.respond("getMe", `{"id":99,"is_bot":true,"first_name":"Relay","username":"relaybot"}`)
	return fake
}

func (f *fakeTelegram) respond(method string, results ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = append(f.results[method], results...)
}

func (f *fakeTelegram) serve(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	call := recordedCall{Method: method, Fields: make(map[string]string)}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for name, headers := range r.MultipartForm.File {
			for _, h := range headers {
				call.Files = append(call.Files, name+"="+h.Filename)
			}
		}
	} else if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for key := range r.Form {
		call.Fields[key] = r.Form.Get(key)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	result := "true"
	if queued := f.results[method]; len(queued) > 0 {
		result = queued[0]
		if len(queued) > 1 || method != "getMe" {
			f.results[method] = queued[1:]
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if strings.HasPrefix(result, "error:") {
		fmt.Fprintf(w, `{"ok":false,"error_code":400,"description":%q}`, strings.TrimPrefix(result, "error:"))
		return
	}
	fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
}

func (f *fakeTelegram) callsTo(method string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []recordedCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTelegram) bot(t *testing.T) *telegram.Bot {
	bot, err := telegram.New(telegram.Config{Token: token, Endpoint: f.server.URL + "/bot%s/%s", UploadSlots: 2}, f.server.Client())
	require.NoError(t, err)
	return bot
}

func stagedFile(t *testing.T, name string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o644))
	return path
}

func TestBot_Identity(t *testing.T) {
	bot := newFakeTelegram(t).bot(t)
	assert.Equal(t, "relaybot", bot.Username())
	assert.Equal(t, "t.me/relaybot", bot.BotLink())
}

func TestBot_SendVideoUploadsAndReturnsHandle(t *testing.T) {
	fake := newFakeTelegram(t)
	bot := fake.bot(t)
	fake.respond("sendVideo", `{"message_id":5,"chat":{"id":100,"type":"private"},"video":{"file_id":"video-handle","file_unique_id":"u"}}`)

	target := relay.Target{ChatID: 100, MessageID: 7}
	media := relay.Media{Path: stagedFile(t, "001.mp4"), Kind: extractor.Video, Width: 1080, Height: 1920, Duration: time.Second * 12}
	handle, err := bot.SendVideo(ctx, target, media, relay.SendOptions{Caption: "hi\n\nt.me/relaybot", AudioCallback: "yt_audio_https://youtube.com/watch?v=dQw4w9WgXcQ"})
	require.NoError(t, err)
	assert.Equal(t, "video-handle", handle)

	calls := fake.callsTo("sendVideo")
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, []string{"video=001.mp4"}, call.Files)
	assert.Equal(t, "100", call.Fields["chat_id"])
	assert.Equal(t, "hi\n\nt.me/relaybot", call.Fields["caption"])
	assert.Equal(t, "HTML", call.Fields["parse_mode"])
	assert.Equal(t, "1080", call.Fields["width"])
	assert.Equal(t, "12", call.Fields["duration"])
	assert.NotContains(t, call.Fields, "business_connection_id")
	assert.Contains(t, call.Fields["reply_markup"], "yt_audio_https://youtube.com/watch?v=dQw4w9WgXcQ")
}

func TestBot_SendAudioByHandle(t *testing.T) {
	fake := newFakeTelegram(t)
	bot := fake.bot(t)
	fake.respond("sendAudio", `{"message_id":6,"chat":{"id":100,"type":"private"},"audio":{"file_id":"audio-handle","file_unique_id":"u","duration":1}}`)

	handle, err := bot.SendAudio(ctx, relay.Target{ChatID: 100, BusinessConnectionID: "biz"}, relay.Media{Handle: "audio-handle", Kind: extractor.Audio, Title: "Song", Performer: "Band"}, relay.SendOptions{Caption: "t.me/relaybot"})
	require.NoError(t, err)
	assert.Equal(t, "audio-handle", handle)

	calls := fake.callsTo("sendAudio")
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].Files, "a handle must not be re-uploaded")
	assert.Equal(t, "audio-handle", calls[0].Fields["audio"])
	assert.Equal(t, "Song", calls[0].Fields["title"])
	assert.Equal(t, "Band", calls[0].Fields["performer"])
	assert.Equal(t, "biz", calls[0].Fields["business_connection_id"])
}

func TestBot_SendMediaGroup(t *testing.T) {
	fake := newFakeTelegram(t)
	bot := fake.bot(t)

	media := []relay.Media{
		{Path: stagedFile(t, "001.jpg"), Kind: extractor.Image},
		{Path: stagedFile(t, "002.mp4"), Kind: extractor.Video},
		{Path: stagedFile(t, "003.jpg"), Kind: extractor.Image},
	}
	require.NoError(t, bot.SendMediaGroup(ctx, relay.Target{ChatID: 100}, media, "caption"))

	calls := fake.callsTo("sendMediaGroup")
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []string{"file-0=001.jpg", "file-1=002.mp4", "file-2=003.jpg"}, calls[0].Files)

	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].Fields["media"]), &items))
	require.Len(t, items, 3)
	assert.Equal(t, "photo", items[0]["type"])
	assert.Equal(t, "attach://file-0", items[0]["media"])
	assert.Equal(t, "caption", items[0]["caption"])
	assert.Equal(t, "video", items[1]["type"])
	assert.NotContains(t, items[1], "caption")
}

func TestBot_SendMediaGroupOfOne(t *testing.T) {
	fake := newFakeTelegram(t)
	bot := fake.bot(t)
	fake.respond("sendPhoto", `{"message_id":8,"chat":{"id":100,"type":"private"},"photo":[{"file_id":"p","file_unique_id":"u","width":1,"height":1}]}`)

	require.NoError(t, bot.SendMediaGroup(ctx, relay.Target{ChatID: 100}, []relay.Media{{Path: stagedFile(t, "001.jpg"), Kind: extractor.Image}}, "caption"))
	assert.Empty(t, fake.callsTo("sendMediaGroup"))
	require.Len(t, fake.callsTo("sendPhoto"), 1)
	assert.Equal(t, []string{"photo=001.jpg"}, fake.callsTo("sendPhoto")[0].Files)
}

func TestBot_ReplyReactAndAction(t *testing.T) {
	fake := newFakeTelegram(t)
	bot := fake.bot(t)
	fake.respond("sendMessage", `{"message_id":9,"chat":{"id":100,"type":"private"},"text":"x"}`)

	target := relay.Target{ChatID: 100, MessageID: 7}
	require.NoError(t, bot.Reply(ctx, target, "The video is too large."))
	require.NoError(t, bot.React(ctx, target, relay.NegativeReaction))
	require.NoError(t, bot.ChatAction(ctx, target, relay.ChatActionUploadVideo))

	reply := fake.callsTo("sendMessage")[0]
	assert.Equal(t, "The video is too large.", reply.Fields["text"])
	assert.Equal(t, "7", reply.Fields["reply_to_message_id"])

	reaction := fake.callsTo("setMessageReaction")[0]
	assert.Equal(t, "7", reaction.Fields["message_id"])
	assert.JSONEq(t, `[{"type":"emoji","emoji":"👎"}]`, reaction.Fields["reaction"])

	assert.Equal(t, "upload_video", fake.callsTo("sendChatAction")[0].Fields["action"])
}

func TestBot_APIErrorsAreReturned(t *testing.T) {
	fake := newFakeTelegram(t)
	bot := fake.bot(t)
	fake.respond("sendMessage", "error:Bad Request: chat not found")

	err := bot.Reply(ctx, relay.Target{ChatID: 1}, "hello")
	assert.ErrorContains(t, err, "chat not found")
}

func TestPoller_DecodesAndAdvancesOffset(t *testing.T) {
	fake := newFakeTelegram(t)
	bot := fake.bot(t)
	fake.respond("getUpdates",
		`[
			{"update_id":10,"message":{"message_id":1,"from":{"id":5,"is_bot":false,"first_name":"Al","username":"al"},"chat":{"id":5,"type":"private"},"date":1,"text":"https://www.instagram.com/reel/ABC123/"}},
			{"update_id":11,"business_message":{"message_id":2,"from":{"id":6,"is_bot":false,"first_name":"Bo"},"chat":{"id":60,"type":"private"},"date":1,"caption":"https://youtu.be/dQw4w9WgXcQ","business_connection_id":"biz-1"}},
			{"update_id":12,"callback_query":{"id":"cb-1","from":{"id":5,"is_bot":false,"first_name":"Al"},"message":{"message_id":3,"chat":{"id":5,"type":"private"},"date":1},"chat_instance":"x","data":"yt_audio_https://youtube.com/watch?v=dQw4w9WgXcQ"}}
		]`,
		`[]`,
	)

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mu := sync.Mutex{}
	var received []telegram.Inbound
	poller := telegram.NewPoller(bot, time.Second, func(_ context.Context, in telegram.Inbound) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, in)
	})

	done := make(chan error, 1)
	go func() { done <- poller.Run(pollCtx) }()

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.GreaterOrEqual(c, len(fake.callsTo("getUpdates")), 2)
	}, time.Second*5, time.Millisecond*20)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)

	require.NotNil(t, received[0].Message)
	assert.Equal(t, int64(5), received[0].Message.FromID)
	assert.Equal(t, "al", received[0].Message.Username)
	assert.Equal(t, "https://www.instagram.com/reel/ABC123/", received[0].Message.Text)
	assert.Empty(t, received[0].Message.BusinessConnectionID)

	require.NotNil(t, received[1].Message)
	assert.Equal(t, "biz-1", received[1].Message.BusinessConnectionID)
	assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ", received[1].Message.Text, "captions stand in for text")
	assert.Equal(t, int64(60), received[1].Message.ChatID)

	require.NotNil(t, received[2].Callback)
	assert.Equal(t, "cb-1", received[2].Callback.ID)
	assert.Equal(t, 3, received[2].Callback.MessageID)

	polls := fake.callsTo("getUpdates")
	assert.NotContains(t, polls[0].Fields, "offset")
	assert.Equal(t, "13", polls[1].Fields["offset"])
	assert.Contains(t, polls[0].Fields["allowed_updates"], "business_message")
	assert.NotEmpty(t, fake.callsTo("deleteWebhook"))
}

func TestDecodeUpdate(t *testing.T) {
	in, err := telegram.DecodeUpdate(strings.NewReader(`{"update_id":1,"message":{"message_id":4,"chat":{"id":9,"type":"group"},"date":1,"text":"/start"}}`))
	require.NoError(t, err)
	require.NotNil(t, in.Message)
	assert.Equal(t, "group", in.Message.ChatType)
	assert.Equal(t, "/start", in.Message.Text)
	assert.Nil(t, in.Callback)

	in, err = telegram.DecodeUpdate(strings.NewReader(`{"update_id":2,"edited_message":{}}`))
	require.NoError(t, err)
	assert.Nil(t, in.Message)
	assert.Nil(t, in.Callback)

	_, err = telegram.DecodeUpdate(strings.NewReader(`not json`))
	assert.Error(t, err)
}
