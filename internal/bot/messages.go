package bot

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Reply templates. The bot answers in Uzbek.
const (
	HelpText        = "📖 Yordam:\n\n/excel - Hemis tizimidan so'nggi 2000 ta log yozuvini Excel faylda yuklab olish\n/start - Botni qayta ishga tushirish"
	LoadingText     = "⏳ Ma'lumotlar yuklanmoqda..."
	NoDataText      = "❌ API dan ma'lumot kelmadi."
	EmptyText       = "⚠️ Ma'lumotlar bo'sh."
	BuildFailedText = "❌ Excel fayl yaratishda xatolik yuz berdi."
)

// StartText greets the sender by first name.
func StartText(userName string) string {
	return "Assalomu alaykum, " + userName + "! 👋\n\n" +
		"Men Hemis tizimidan ma'lumotlarni Excel formatida yuklab beraman.\n\n" +
		"📊 Buyruqlar:\n" +
		"/excel - Ma'lumotlarni Excel formatida olish\n" +
		"/help - Yordam"
}

// UnknownText echoes an unrecognised command.
func UnknownText(text string) string {
	return "❓ Noma'lum komanda: " + text + "\n\n" +
		"Mavjud komandalar:\n" +
		"/excel - Excel faylni olish\n" +
		"/help - Yordam"
}

// SendFailedText reports why the workbook could not be delivered.
func SendFailedText(reason string) string {
	return "❌ Faylni yuborishda xatolik: " + reason
}

// SuccessText reports the delivered record count and the elapsed time.
func SuccessText(records int, elapsed time.Duration) string {
	return fmt.Sprintf("✅ Ma'lumotlar muvaffaqiyatli yuborildi!\n\n📁 Jami: %d ta yozuv\n⏱ Vaqt: %s soniya",
		records, FormatSeconds(elapsed))
}

// FormatSeconds renders d in seconds rounded to two decimals without
// trailing zeros, e.g. 1.5, 0.07 or 3.
func FormatSeconds(d time.Duration) string {
	s := math.Round(d.Seconds()*100) / 100
	if s <= 0 {
		s = 0
	}
	return strconv.FormatFloat(s, 'f', -1, 64)
}
