package service

import (
	"github.com/samber/lo"

	"typing-race/internal/domain"
)

// WordSource 为比赛提供单词列表
type WordSource interface {
	WordsFor(mode string, value int) ([]string, error)
}

// timeModeWordCount time 模式下一次下发的单词数，足够任何时长使用
const timeModeWordCount = 150

var (
	wordsModeValues = []int{10, 25, 50, 75}
	timeModeValues  = []int{15, 30, 60, 100}
)

var commonWords = []string{
	"word", "buy", "too", "frighten", "some", "saw", "offer", "possible", "never", "chest",
	"quick", "brown", "fox", "jumps", "over", "lazy", "dog", "cat", "run", "fast",
	"apple", "orange", "banana", "grape", "pear", "peach", "melon", "berry", "tree", "leaf",
	"light", "dark", "blue", "green", "red", "yellow", "white", "black", "gray", "pink",
	"house", "car", "road", "river", "mountain", "cloud", "sky", "rain", "snow", "wind",
	"book", "pen", "desk", "chair", "lamp", "room", "phone", "glass", "bottle", "cup",
	"fire", "water", "earth", "air", "stone", "metal", "wood", "iron", "gold", "silver",
	"smile", "laugh", "cry", "sleep", "dream", "think", "feel", "know", "walk", "stand",
	"left", "right", "up", "down", "front", "back", "inside", "outside", "near", "far",
	"happy", "sad", "angry", "tired", "kind", "brave", "strong", "weak", "smart", "slow",
	"jump", "kick", "pull", "push", "hold", "throw", "catch", "drop", "climb", "slide",
	"music", "song", "dance", "beat", "sound", "voice", "noise", "quiet", "loud", "calm",
	"school", "teacher", "student", "class", "test", "exam", "paper", "chalk", "board", "bell",
	"food", "bread", "rice", "milk", "cheese", "butter", "egg", "meat", "fish", "soup",
}

// CommonWordSource 从内置常用词表中有放回地随机抽词
type CommonWordSource struct {
	pool []string
}

// NewCommonWordSource 创建使用内置词表的 WordSource
func NewCommonWordSource() *CommonWordSource {
	return &CommonWordSource{pool: commonWords}
}

// WordsFor 按模式返回单词: words 模式返回 value 个，time 模式固定返回 150 个
func (s *CommonWordSource) WordsFor(mode string, value int) ([]string, error) {
	count, err := wordCount(mode, value)
	if err != nil {
		return nil, err
	}
	return lo.Times(count, func(int) string {
		return lo.Sample(s.pool)
	}), nil
}

// ValidateSettings 检查 mode/value 组合是否合法
func ValidateSettings(settings domain.Settings) error {
	_, err := wordCount(settings.Mode, settings.Value)
	return err
}

func wordCount(mode string, value int) (int, error) {
	switch mode {
	case domain.ModeWords:
		if !lo.Contains(wordsModeValues, value) {
			return 0, ErrInvalidSubmode
		}
		return value, nil
	case domain.ModeTime:
		if !lo.Contains(timeModeValues, value) {
			return 0, ErrInvalidSubmode
		}
		return timeModeWordCount, nil
	default:
		return 0, ErrInvalidSubmode
	}
}
